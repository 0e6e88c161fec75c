package server

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/pipechat/pipechat/pkg/database"
	"github.com/pipechat/pipechat/pkg/protocol"
)

// Session represents one active client connection. A connection is
// bound to exactly one identity for its whole lifetime; one identity
// may hold several sessions at once (multi-device).
type Session struct {
	ID       uint64
	Identity string
	Conn     Conn
}

// runSession owns one connection's lifecycle: register, presence
// announcements, history replay, the command loop, and cleanup. It runs
// as one goroutine per connection.
func (s *Server) runSession(identity string, conn Conn) {
	sess := &Session{
		ID:       atomic.AddUint64(&s.nextSessionID, 1),
		Identity: identity,
		Conn:     conn,
	}

	first, peers := s.registry.Register(identity, conn)
	s.metrics.RecordSessionOpened(s.registry.ConnectionCount(), len(s.registry.OnlineIdentities()))
	debugLog.Printf("Session %d: %q connected (first=%v, %d peers online)", sess.ID, identity, first, len(peers))

	defer s.closeSession(sess)

	// A second device for an identity already online must not re-announce
	// it to everyone; the peer snapshot comes from the same critical
	// section as the first-connection check.
	if first {
		for _, peer := range peers {
			s.sendToIdentity(peer, protocol.StatusEvent(identity, true))
		}
	}

	// Every new connection gets the full presence picture so the client
	// doesn't have to wait for future STATUS events.
	for _, peer := range peers {
		if err := conn.WriteFrame(protocol.StatusEvent(peer, true)); err != nil {
			s.logSessionError(sess, "presence snapshot write", err)
			return
		}
	}

	// History replays before any command is accepted so a live MSG can
	// never be interleaved ahead of stale history on this connection.
	if err := s.replayHistory(sess); err != nil {
		s.logSessionError(sess, "history replay", err)
		return
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if isDisconnect(err) {
				debugLog.Printf("Session %d: %q disconnected", sess.ID, identity)
			} else {
				errorLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}
		s.dispatch(sess, frame)
	}
}

// closeSession runs the Active -> Closed transition: unregister, and if
// the identity went fully offline, announce that to everyone still
// online. Broadcast failures are logged inside the fan-out and never
// raised; the session is already over from the caller's perspective.
func (s *Server) closeSession(sess *Session) {
	offline := s.registry.Unregister(sess.Identity, sess.Conn)
	sess.Conn.Close()
	s.metrics.RecordSessionClosed(s.registry.ConnectionCount(), len(s.registry.OnlineIdentities()))

	if offline {
		for _, peer := range s.registry.OnlineIdentities() {
			s.sendToIdentity(peer, protocol.StatusEvent(sess.Identity, false))
		}
	}
	debugLog.Printf("Session %d: %q closed (offline=%v)", sess.ID, sess.Identity, offline)
}

// dispatch decodes one inbound frame and applies it. A malformed frame
// is dropped and the session stays active; one corrupt frame must never
// terminate the connection.
func (s *Server) dispatch(sess *Session, frame string) {
	cmd, err := protocol.ParseCommand(frame)
	if err != nil {
		s.metrics.RecordMalformedFrame()
		debugLog.Printf("Session %d: dropping frame: %v", sess.ID, err)
		return
	}

	switch cmd := cmd.(type) {
	case protocol.Typing:
		s.sendToIdentity(cmd.Receiver, protocol.TypingEvent(sess.Identity))
	case protocol.StopTyping:
		s.sendToIdentity(cmd.Receiver, protocol.StopTypingEvent(sess.Identity))
	case protocol.Send:
		s.handleSend(sess, cmd)
	case protocol.Seen:
		s.handleSeen(sess, cmd)
	}
}

// handleSend persists the message, echoes it to the sender's own
// connections, and fans it out to the receiver. The insert has committed
// before any frame referencing the new id goes out.
func (s *Server) handleSend(sess *Session, cmd protocol.Send) {
	if max := s.config.MaxMessageLength; max > 0 && len(cmd.Body) > max {
		s.metrics.RecordMalformedFrame()
		debugLog.Printf("Session %d: dropping oversize MSG (%d bytes)", sess.ID, len(cmd.Body))
		return
	}

	msg, err := s.store.InsertMessage(sess.Identity, cmd.Receiver, cmd.Body)
	if err != nil {
		// Store failure is scoped to this frame; the session stays up.
		errorLog.Printf("Session %d: message insert failed: %v", sess.ID, err)
		return
	}
	s.metrics.RecordMessagePersisted()

	frame := protocol.MessageEvent(msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.CreatedAt)

	// Echo to all of the sender's devices, then the receiver's. An
	// offline receiver leaves the message in state Sent.
	s.sendToIdentity(sess.Identity, frame)
	if delivered := s.sendToIdentity(cmd.Receiver, frame); delivered > 0 {
		if _, err := s.store.SetState(msg.ID, database.StateDelivered); err != nil {
			errorLog.Printf("Session %d: delivered transition for message %d failed: %v", sess.ID, msg.ID, err)
			return
		}
		s.metrics.RecordMessageDelivered()
	}
}

// handleSeen marks a message read and notifies the original sender's
// devices. Re-marking an already-read message (or an unknown id) emits
// nothing.
func (s *Server) handleSeen(sess *Session, cmd protocol.Seen) {
	changed, err := s.store.SetState(cmd.MessageID, database.StateRead)
	if err != nil {
		errorLog.Printf("Session %d: read transition for message %d failed: %v", sess.ID, cmd.MessageID, err)
		return
	}
	if !changed {
		return
	}
	s.metrics.RecordMessageRead()

	sender, err := s.store.GetSender(cmd.MessageID)
	if err != nil {
		if !errors.Is(err, database.ErrMessageNotFound) {
			errorLog.Printf("Session %d: sender lookup for message %d failed: %v", sess.ID, cmd.MessageID, err)
		}
		return
	}
	// The read transition has committed; only now does the receipt go
	// out. An offline sender is a no-op.
	s.sendToIdentity(sender, protocol.ReadEvent(cmd.MessageID))
}

// replayHistory sends every stored message this identity participates
// in, ascending by id. The identity's own sent messages carry a receipt
// field; messages it received use the live format unchanged.
func (s *Server) replayHistory(sess *Session) error {
	messages, err := s.store.HistoryFor(sess.Identity)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		receipt := ""
		if msg.Sender == sess.Identity {
			receipt = receiptGlyph(msg.State)
		}
		frame := protocol.HistoryEvent(msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.CreatedAt, receipt)
		if err := sess.Conn.WriteFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func receiptGlyph(state database.DeliveryState) string {
	if state == database.StateRead {
		return protocol.ReceiptRead
	}
	return protocol.ReceiptSent
}

// sendToIdentity fans one frame out to every live connection of the
// target identity and returns how many writes succeeded. Zero
// connections is a no-op; a failed write to one connection never blocks
// delivery to the others and is not fatal to the caller. Failed
// connections are not retried; their own read loops clean them up.
func (s *Server) sendToIdentity(identity, frame string) int {
	delivered := 0
	for _, conn := range s.registry.ConnectionsFor(identity) {
		if err := conn.WriteFrame(frame); err != nil {
			s.metrics.RecordEventWriteError()
			errorLog.Printf("Fan-out to %q failed on one connection: %v", identity, err)
			continue
		}
		delivered++
	}
	return delivered
}

// logSessionError records a failure that ended a session, keeping
// ordinary disconnects out of the error log.
func (s *Server) logSessionError(sess *Session, operation string, err error) {
	if isDisconnect(err) {
		debugLog.Printf("Session %d: %q disconnected during %s", sess.ID, sess.Identity, operation)
		return
	}
	errorLog.Printf("Session %d: %s failed: %v", sess.ID, operation, err)
}

// isDisconnect reports whether err is an expected transport-level
// closure rather than a logic error.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
