package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipechat/pipechat/pkg/database"
)

// wsTestClient reads frames on a background goroutine, feeding them
// into a channel. This avoids gorilla/websocket's limitation where a
// read deadline timeout corrupts the connection state.
type wsTestClient struct {
	conn      *websocket.Conn
	frames    chan string
	done      chan struct{}
	closeOnce sync.Once
}

func dialWS(t *testing.T, baseURL, identity string) *wsTestClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/" + identity
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial %s", url)

	wc := &wsTestClient{
		conn:   conn,
		frames: make(chan string, 64),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(wc.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			wc.frames <- string(data)
		}
	}()
	t.Cleanup(wc.close)
	return wc
}

func (wc *wsTestClient) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wc.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (wc *wsTestClient) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-wc.frames:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// expectPrefix reads the next frame and asserts it starts with prefix
// (MSG frames end in a store-assigned timestamp).
func (wc *wsTestClient) expectPrefix(t *testing.T, prefix string) string {
	t.Helper()
	select {
	case got := <-wc.frames:
		require.True(t, strings.HasPrefix(got, prefix), "frame %q lacks prefix %q", got, prefix)
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for prefix %q", prefix)
		return ""
	}
}

func (wc *wsTestClient) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-wc.frames:
		t.Fatalf("expected no frame, got %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func (wc *wsTestClient) close() {
	wc.closeOnce.Do(func() {
		wc.conn.Close()
		<-wc.done
	})
}

func newJourneyServer(t *testing.T) (*Server, string) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "journey.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, DefaultConfig())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", srv.HandleWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

// TestJourneyMessageAndReceipt walks the whole happy path over a real
// websocket transport: connect, presence, message, delivery, read.
func TestJourneyMessageAndReceipt(t *testing.T) {
	_, baseURL := newJourneyServer(t)

	alice := dialWS(t, baseURL, "alice")
	bob := dialWS(t, baseURL, "bob")

	bob.expect(t, "STATUS|alice|online")
	alice.expect(t, "STATUS|bob|online")

	alice.send(t, "MSG|bob|hello over the wire")
	alice.expectPrefix(t, "MSG|1|alice|bob|hello over the wire|")
	bob.expectPrefix(t, "MSG|1|alice|bob|hello over the wire|")

	bob.send(t, "SEEN|1")
	alice.expect(t, "READ|1")

	// A dropped malformed frame leaves the connection usable.
	bob.send(t, "MSG|justonearg")
	bob.send(t, "MSG|alice|reply")
	alice.expectPrefix(t, "MSG|2|bob|alice|reply|")

	alice.expectQuiet(t)
}

// TestJourneyReconnectReplaysHistory verifies history lands on a fresh
// connection before anything live.
func TestJourneyReconnectReplaysHistory(t *testing.T) {
	srv, baseURL := newJourneyServer(t)

	alice := dialWS(t, baseURL, "alice")
	bob := dialWS(t, baseURL, "bob")
	bob.expect(t, "STATUS|alice|online")
	alice.expect(t, "STATUS|bob|online")

	alice.send(t, "MSG|bob|remember this")
	alice.expectPrefix(t, "MSG|1|")
	bob.expectPrefix(t, "MSG|1|")

	bob.close()
	alice.expect(t, "STATUS|bob|offline")

	// Wait for the registry to settle before reconnecting.
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Registry().ConnectionsFor("bob")) > 0 {
		require.False(t, time.Now().After(deadline), "bob never unregistered")
		time.Sleep(5 * time.Millisecond)
	}

	bob2 := dialWS(t, baseURL, "bob")
	bob2.expect(t, "STATUS|alice|online")
	bob2.expectPrefix(t, "MSG|1|alice|bob|remember this|")
	alice.expect(t, "STATUS|bob|online")
}

func TestHandshakeRejectsBadIdentities(t *testing.T) {
	_, baseURL := newJourneyServer(t)

	for _, path := range []string{
		"/ws/",                  // empty identity
		"/ws/alice/extra",       // path segments after the identity
		"/ws/has%7Cpipe",        // delimiter inside the identity
		"/ws/" + strings.Repeat("a", DefaultConfig().MaxIdentityLength+1),
	} {
		resp, err := http.Get(baseURL + path)
		require.NoError(t, err, "path %s", path)
		resp.Body.Close()
		assert.True(t, resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound,
			"path %s: got status %d", path, resp.StatusCode)
	}
}

func TestHealthHandler(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := NewServer(store, DefaultConfig())

	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`"connections":%d`, 0))
}
