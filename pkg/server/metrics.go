package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus collectors. Each server owns
// its own registry so multiple instances can coexist in one process
// (tests spin up several servers).
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	onlineIdentities  prometheus.Gauge

	sessionsOpened    prometheus.Counter
	sessionsClosed    prometheus.Counter
	messagesPersisted prometheus.Counter
	messagesDelivered prometheus.Counter
	messagesRead      prometheus.Counter
	framesMalformed   prometheus.Counter
	eventWriteErrors  prometheus.Counter
}

// NewMetrics creates and registers the server's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipechat_active_connections",
			Help: "Number of live client connections.",
		}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipechat_online_identities",
			Help: "Number of identities with at least one live connection.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_sessions_opened_total",
			Help: "Total client sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_sessions_closed_total",
			Help: "Total client sessions closed.",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_messages_persisted_total",
			Help: "Total messages durably inserted into the store.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_messages_delivered_total",
			Help: "Total messages that reached at least one receiver connection.",
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_messages_read_total",
			Help: "Total messages transitioned to read.",
		}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_frames_malformed_total",
			Help: "Total inbound frames dropped as malformed.",
		}),
		eventWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipechat_event_write_errors_total",
			Help: "Total outbound frame writes that failed.",
		}),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.onlineIdentities,
		m.sessionsOpened,
		m.sessionsClosed,
		m.messagesPersisted,
		m.messagesDelivered,
		m.messagesRead,
		m.framesMalformed,
		m.eventWriteErrors,
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// All recording methods are nil-safe so code paths can run without
// metrics attached.

func (m *Metrics) RecordSessionOpened(activeConns, onlineIdentities int) {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.activeConnections.Set(float64(activeConns))
	m.onlineIdentities.Set(float64(onlineIdentities))
}

func (m *Metrics) RecordSessionClosed(activeConns, onlineIdentities int) {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.activeConnections.Set(float64(activeConns))
	m.onlineIdentities.Set(float64(onlineIdentities))
}

func (m *Metrics) RecordMessagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

func (m *Metrics) RecordMessageDelivered() {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
}

func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.messagesRead.Inc()
}

func (m *Metrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.framesMalformed.Inc()
}

func (m *Metrics) RecordEventWriteError() {
	if m == nil {
		return
	}
	m.eventWriteErrors.Inc()
}
