package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP + websocket)
	ActiveConnections atomic.Int64 // connections with a running handler
	SuccessfulLogins  atomic.Int64 // handshakes that registered a name
	RejectedNames     atomic.Int64 // taken or invalid names offered at login
	TotalDisconnects  atomic.Int64 // registered sessions torn down

	// Chat counters
	ChatMessagesSent atomic.Int64 // chat and action lines broadcast
	DeliveryFailures atomic.Int64 // per-recipient broadcast failures

	// Command counters
	CommandsRun     atomic.Int64
	UnknownCommands atomic.Int64
	DeniedCommands  atomic.Int64 // admin-only commands invoked by normal users
	KickCount       atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulLogins  int64 `json:"successful_logins"`
	RejectedNames     int64 `json:"rejected_names"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	ChatMessagesSent int64 `json:"chat_messages_sent"`
	DeliveryFailures int64 `json:"delivery_failures"`

	CommandsRun     int64 `json:"commands_run"`
	UnknownCommands int64 `json:"unknown_commands"`
	DeniedCommands  int64 `json:"denied_commands"`
	KickCount       int64 `json:"kick_count"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulLogins:  m.SuccessfulLogins.Load(),
		RejectedNames:     m.RejectedNames.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		ChatMessagesSent:  m.ChatMessagesSent.Load(),
		DeliveryFailures:  m.DeliveryFailures.Load(),
		CommandsRun:       m.CommandsRun.Load(),
		UnknownCommands:   m.UnknownCommands.Load(),
		DeniedCommands:    m.DeniedCommands.Load(),
		KickCount:         m.KickCount.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"logins", s.SuccessfulLogins,
		"chat_msgs", s.ChatMessagesSent,
		"delivery_failures", s.DeliveryFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed. A zero interval disables it.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

// Collectors exposes the counters to a Prometheus registry. Values are read from
// the atomics at scrape time.
func (m *Metrics) Collectors() []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gotalk",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gotalk",
			Name:      name,
			Help:      help,
		}, fn)
	}

	return []prometheus.Collector{
		gauge("uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		gauge("connections_active", "Connections with a running handler.", func() float64 {
			return float64(m.ActiveConnections.Load())
		}),
		counter("connections_total", "Lifetime connections accepted.", &m.TotalConnections),
		counter("logins_total", "Handshakes that registered a name.", &m.SuccessfulLogins),
		counter("rejected_names_total", "Taken or invalid names offered at login.", &m.RejectedNames),
		counter("disconnects_total", "Registered sessions torn down.", &m.TotalDisconnects),
		counter("chat_messages_total", "Chat and action lines broadcast.", &m.ChatMessagesSent),
		counter("delivery_failures_total", "Per-recipient broadcast delivery failures.", &m.DeliveryFailures),
		counter("commands_total", "Commands run.", &m.CommandsRun),
		counter("unknown_commands_total", "Unresolved command tokens.", &m.UnknownCommands),
		counter("denied_commands_total", "Admin-only commands invoked by normal users.", &m.DeniedCommands),
		counter("kicks_total", "Sessions kicked by the operator.", &m.KickCount),
	}
}
