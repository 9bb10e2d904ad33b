package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the bridge manager.
type Metrics struct {
	// NegotiationCounter counts pairing negotiations.
	// Labels: network, outcome (success|bot_join_failed|bot_error|timeout|key_conflict|error)
	NegotiationCounter *prometheus.CounterVec

	// NegotiationDuration observes how long a negotiation takes end to end.
	NegotiationDuration *prometheus.HistogramVec

	// MonitorOutcomes counts terminal monitor states.
	// Labels: network, outcome (connected|failed|timeout)
	MonitorOutcomes *prometheus.CounterVec

	// StoreResets counts session-store resets triggered by key conflicts.
	StoreResets prometheus.Counter

	// BridgeCommands counts commands sent to bridge bots.
	// Labels: network
	BridgeCommands *prometheus.CounterVec

	// ReapedRecords counts stale connecting records removed by the reaper.
	ReapedRecords prometheus.Counter

	// SyncRestarts counts persistent sync loop restarts after errors.
	SyncRestarts prometheus.Counter

	// ActiveClients tracks registry-held Matrix clients.
	ActiveClients prometheus.Gauge

	// SyncTasks tracks running persistent sync tasks.
	SyncTasks prometheus.Gauge

	// MessagesForwarded counts bridge-room messages handed to the sink.
	// Labels: network
	MessagesForwarded *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg. Pass nil to use
// the default Prometheus registry (the /metrics endpoint).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		NegotiationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trestle_negotiations_total",
				Help: "Total pairing negotiations by network and outcome",
			},
			[]string{"network", "outcome"},
		),

		NegotiationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trestle_negotiation_duration_seconds",
				Help:    "Duration of pairing negotiations in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"network"},
		),

		MonitorOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trestle_monitor_outcomes_total",
				Help: "Terminal connection monitor outcomes by network",
			},
			[]string{"network", "outcome"},
		),

		StoreResets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trestle_session_store_resets_total",
				Help: "Session store resets performed during key-conflict recovery",
			},
		),

		BridgeCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trestle_bridge_commands_total",
				Help: "Commands sent to bridge bots by network",
			},
			[]string{"network"},
		),

		ReapedRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trestle_reaped_records_total",
				Help: "Stale connecting records deleted by the reaper",
			},
		),

		SyncRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trestle_sync_restarts_total",
				Help: "Persistent sync loop restarts after errors",
			},
		),

		ActiveClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trestle_active_clients",
				Help: "Matrix clients currently held in the process registry",
			},
		),

		SyncTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trestle_sync_tasks",
				Help: "Persistent sync tasks currently running",
			},
		),

		MessagesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trestle_messages_forwarded_total",
				Help: "Bridge room messages forwarded to the message sink",
			},
			[]string{"network"},
		),
	}
}
