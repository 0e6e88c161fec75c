// Package protocol implements the pipe-delimited text protocol spoken
// between clients and the server.
//
// Inbound frames are commands (TYPE, STOP, MSG, SEEN); outbound frames
// are events (STATUS, TYPING, STOP, MSG, READ). Fields are separated by
// '|' with no escaping mechanism: a MSG body may contain literal '|'
// characters because only the first two delimiters split the frame.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates fields on the wire.
const Delimiter = "|"

// ErrMalformedFrame indicates an inbound frame that cannot be decoded:
// unknown verb, missing or empty required argument, or a non-numeric
// message id. Callers drop the frame and keep the connection alive.
var ErrMalformedFrame = errors.New("malformed frame")

// Receipt glyphs rendered on the sender's own copy of replayed history.
const (
	ReceiptSent = "✔"
	ReceiptRead = "✔✔"
)

// Command is an inbound frame decoded into one of a closed set of
// variants. The Session handler dispatches on the concrete type.
type Command interface {
	isCommand()
}

// Typing reports that the sender started typing to Receiver.
type Typing struct {
	Receiver string
}

// StopTyping reports that the sender stopped typing to Receiver.
type StopTyping struct {
	Receiver string
}

// Send carries a chat message for Receiver. Body is preserved verbatim,
// including any delimiter characters it contains.
type Send struct {
	Receiver string
	Body     string
}

// Seen acknowledges that the sender has read message MessageID.
type Seen struct {
	MessageID int64
}

func (Typing) isCommand()     {}
func (StopTyping) isCommand() {}
func (Send) isCommand()       {}
func (Seen) isCommand()       {}

// ParseCommand decodes one inbound frame. It returns ErrMalformedFrame
// for anything that is not a well-formed known command.
func ParseCommand(frame string) (Command, error) {
	verb, rest, _ := strings.Cut(frame, Delimiter)

	switch verb {
	case "TYPE", "STOP":
		// Identities cannot contain the delimiter, so only the first
		// field of the remainder names the receiver.
		receiver, _, _ := strings.Cut(rest, Delimiter)
		if receiver == "" {
			return nil, fmt.Errorf("%w: %s without receiver", ErrMalformedFrame, verb)
		}
		if verb == "TYPE" {
			return Typing{Receiver: receiver}, nil
		}
		return StopTyping{Receiver: receiver}, nil

	case "MSG":
		receiver, body, ok := strings.Cut(rest, Delimiter)
		if !ok || receiver == "" || body == "" {
			return nil, fmt.Errorf("%w: MSG needs receiver and body", ErrMalformedFrame)
		}
		return Send{Receiver: receiver, Body: body}, nil

	case "SEEN":
		arg, _, _ := strings.Cut(rest, Delimiter)
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: SEEN id %q is not numeric", ErrMalformedFrame, arg)
		}
		return Seen{MessageID: id}, nil

	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformedFrame, verb)
	}
}

// StatusEvent renders a presence change for identity.
func StatusEvent(identity string, online bool) string {
	state := "offline"
	if online {
		state = "online"
	}
	return "STATUS" + Delimiter + identity + Delimiter + state
}

// TypingEvent renders a typing notification from sender.
func TypingEvent(sender string) string {
	return "TYPING" + Delimiter + sender
}

// StopTypingEvent renders a stopped-typing notification from sender.
func StopTypingEvent(sender string) string {
	return "STOP" + Delimiter + sender
}

// MessageEvent renders the live fan-out frame for a persisted message.
// createdAt is unix milliseconds as assigned by the store.
func MessageEvent(id int64, sender, receiver, body string, createdAt int64) string {
	return fmt.Sprintf("MSG|%d|%s|%s|%s|%d", id, sender, receiver, body, createdAt)
}

// HistoryEvent renders one replayed message. The receiver's copy uses
// the live format unchanged; the sender's own copy appends a receipt
// field so their client can show delivery state for old messages.
func HistoryEvent(id int64, sender, receiver, body string, createdAt int64, receipt string) string {
	frame := MessageEvent(id, sender, receiver, body, createdAt)
	if receipt == "" {
		return frame
	}
	return frame + Delimiter + receipt
}

// ReadEvent renders a read receipt for message id, sent to the original
// sender's connections.
func ReadEvent(id int64) string {
	return "READ" + Delimiter + strconv.FormatInt(id, 10)
}
