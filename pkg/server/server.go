// Package server implements the presence-and-delivery protocol engine:
// the connection registry, per-session command loop, delivery state
// machine, and the websocket transport shell around them.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipechat/pipechat/pkg/database"
	"github.com/pipechat/pipechat/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging turns on per-session debug logging to stderr.
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
}

// MessageStore is the durable message store the engine requires. Inserts
// are durable on return; state transitions are idempotent and never
// lower a message's state. *database.DB satisfies it.
type MessageStore interface {
	InsertMessage(sender, receiver, body string) (*database.Message, error)
	SetState(id int64, state database.DeliveryState) (bool, error)
	GetSender(id int64) (string, error)
	HistoryFor(identity string) ([]*database.Message, error)
}

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	HTTPPort          int // Public websocket port
	MetricsPort       int // Internal /metrics and /health port (0 = disabled)
	MaxMessageLength  int // Max MSG body bytes (0 = unlimited)
	MaxIdentityLength int // Max identity bytes (0 = unlimited)
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8080,
		MetricsPort:       9090,
		MaxMessageLength:  4096,
		MaxIdentityLength: 64,
	}
}

// ConfigFromTOML converts a loaded config file into runtime config.
func ConfigFromTOML(cfg TOMLConfig) ServerConfig {
	return ServerConfig{
		HTTPPort:          cfg.Server.HTTPPort,
		MetricsPort:       cfg.Server.MetricsPort,
		MaxMessageLength:  cfg.Limits.MaxMessageLength,
		MaxIdentityLength: cfg.Limits.MaxIdentityLength,
	}
}

// Server ties the registry, store, and transport together.
type Server struct {
	store    MessageStore
	registry *Registry
	config   ServerConfig
	metrics  *Metrics
	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server
	nextSessionID uint64
	startTime     time.Time
}

// NewServer creates a new server instance around an opened store.
func NewServer(store MessageStore, config ServerConfig) *Server {
	return &Server{
		store:    store,
		registry: NewRegistry(),
		config:   config,
		metrics:  NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Identities are unauthenticated and clients connect from
			// arbitrary origins; the handshake accepts them all.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Registry exposes the connection registry (used by status reporting).
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleWebSocket upgrades GET /ws/{identity} and runs the session for
// the connection's lifetime.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !s.validIdentity(identity) {
		http.Error(w, "invalid identity", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		debugLog.Printf("Websocket upgrade for %q failed: %v", identity, err)
		return
	}

	s.runSession(identity, NewSafeConn(conn))
}

// identityFromPath extracts the identity segment from /ws/{identity}.
func identityFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/ws/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	identity, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return identity, true
}

// validIdentity rejects identities that cannot be represented on the
// wire. The protocol has no escaping, so an identity containing the
// field delimiter would corrupt every frame naming it.
func (s *Server) validIdentity(identity string) bool {
	if identity == "" || strings.Contains(identity, protocol.Delimiter) {
		return false
	}
	if max := s.config.MaxIdentityLength; max > 0 && len(identity) > max {
		return false
	}
	return true
}

// Start begins serving the public websocket endpoint and, when
// configured, the internal metrics endpoint. It returns once the
// listeners are bound.
func (s *Server) Start() error {
	// Internal metrics server: never expose this port publicly.
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: metricsMux,
		}

		metricsListener, err := net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on metrics port: %w", err)
		}
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
		go func() {
			if err := s.metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws/", s.HandleWebSocket)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler: publicMux,
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	log.Printf("Server listening on %s (/ws/{identity})", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops accepting connections and closes all live sessions.
// Each session runs its normal cleanup path when its connection closes.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Graceful shutdown initiated...")

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Println("Closing all client sessions...")
	s.registry.CloseAll()

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthHandler reports liveness plus a few cheap gauges.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"connections":%d,"online_identities":%d}`+"\n",
		int(time.Since(s.startTime).Seconds()),
		s.registry.ConnectionCount(),
		len(s.registry.OnlineIdentities()),
	)
}
