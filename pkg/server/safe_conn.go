package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one live client channel carrying text frames. Implementations
// must tolerate concurrent WriteFrame calls: the session goroutine and
// broadcast paths from other sessions write to the same connection.
type Conn interface {
	// ReadFrame blocks until the next inbound frame or a transport
	// error (including disconnect).
	ReadFrame() (string, error)
	// WriteFrame sends one frame. Frames written by a single caller
	// are delivered in order.
	WriteFrame(frame string) error
	// Close tears down the transport. Safe to call more than once.
	Close() error
}

// SafeConn wraps a websocket connection with automatic write
// synchronization.
//
// Multiple goroutines (the session handler and broadcast senders from
// other sessions) may write to the same connection simultaneously, and
// gorilla/websocket does not allow concurrent writers. SafeConn
// encapsulates the connection and its write mutex, making it impossible
// to write without proper synchronization.
type SafeConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
}

// NewSafeConn wraps a websocket connection with write synchronization.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// ReadFrame reads one text frame. Reads don't need write
// synchronization; only the session goroutine reads.
func (sc *SafeConn) ReadFrame() (string, error) {
	_, data, err := sc.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFrame sends one text frame with automatic write synchronization.
// This is the only way to write to the connection; the raw conn is
// private.
func (sc *SafeConn) WriteFrame(frame string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		err = sc.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
