package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session close reasons
const (
	closeQuit         = "quit"
	closeDeleted      = "deleted"
	closeDisconnect   = "disconnect"
	closeFramingError = "framing_error"
	closeIOError      = "io_error"
)

// Metrics holds all Prometheus metrics for the server. Each server gets its
// own registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions  prometheus.Gauge
	onlineUsers     prometheus.Gauge
	sessionsCreated *prometheus.CounterVec // by transport
	sessionsClosed  *prometheus.CounterVec // by reason

	// Traffic metrics
	commands       *prometheus.CounterVec // by command
	messagesRouted *prometheus.CounterVec // delivered / queued / rejected
	framingErrors  prometheus.Counter

	// Listener metrics
	listenOverflows prometheus.Counter

	// Storage metrics
	directoryWriteErrors prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_active_sessions",
				Help: "Current number of connected sessions",
			},
		),
		onlineUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_online_users",
				Help: "Current number of authenticated handles",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_created_total",
				Help: "Total number of sessions created by transport",
			},
			[]string{"transport"},
		),
		sessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_closed_total",
				Help: "Total number of sessions closed by reason",
			},
			[]string{"reason"},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_commands_total",
				Help: "Total number of commands received by command",
			},
			[]string{"command"},
		),
		messagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_messages_routed_total",
				Help: "Total number of messages routed by outcome",
			},
			[]string{"outcome"},
		),
		framingErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_framing_errors_total",
				Help: "Total number of sessions terminated by a malformed frame",
			},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_listen_overflows_total",
				Help: "Connections the kernel dropped because the accept queue was full",
			},
		),
		directoryWriteErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_directory_write_errors_total",
				Help: "Total number of directory mutations that could not be persisted",
			},
		),
	}
}

// ObserveDirectory exports directory sizes, read at scrape time
func (m *Metrics) ObserveDirectory(dir DirectoryStore) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relaychat_registered_handles",
			Help: "Number of registered handles",
		},
		func() float64 { return float64(dir.Stats().Handles) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relaychat_pending_messages",
			Help: "Number of messages waiting for offline recipients",
		},
		func() float64 { return float64(dir.Stats().Pending) },
	)
}

// Handler serves this server's registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordSessionCreated increments the session creation counter for a transport
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
	m.activeSessions.Inc()
}

// RecordSessionClosed increments the close counter for a reason
func (m *Metrics) RecordSessionClosed(reason string) {
	m.activeSessions.Dec()
	if reason == closeFramingError {
		m.framingErrors.Inc()
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordOnlineUsers updates the authenticated handle count
func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

// RecordCommand increments the counter for a command
func (m *Metrics) RecordCommand(command string) {
	m.commands.WithLabelValues(command).Inc()
}

// RecordRouted increments the routing counter for an outcome
func (m *Metrics) RecordRouted(outcome string) {
	m.messagesRouted.WithLabelValues(outcome).Inc()
}

// RecordDirectoryWriteError increments the persistence failure counter
func (m *Metrics) RecordDirectoryWriteError(error) {
	m.directoryWriteErrors.Inc()
}

// RecordListenOverflows adds kernel accept queue overflows
func (m *Metrics) RecordListenOverflows(n uint64) {
	m.listenOverflows.Add(float64(n))
}
