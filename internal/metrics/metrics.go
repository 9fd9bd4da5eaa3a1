// Package metrics registers the Prometheus instruments exported by the
// control plane on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane core.
type Metrics struct {
	// Directory sync
	SyncRunsTotal    *prometheus.CounterVec
	SyncFailsTotal   *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	SyncPlanSize     *prometheus.HistogramVec
	TokenRefreshes   *prometheus.CounterVec

	// Replication event bus
	ReplicationMessages  *prometheus.CounterVec
	ReplicationRestarts  prometheus.Counter
	DispatchedEvents     *prometheus.CounterVec
	UnmappedTableEvents  prometheus.Counter

	// Presence
	PresenceJoins       *prometheus.CounterVec
	PresenceRateLimited prometheus.Counter
	PresenceOnline      *prometheus.GaugeVec

	// Job executors
	ExecutorTicks    *prometheus.CounterVec
	LeaderElections  *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// New returns the control-plane metrics, registered on the default
// registry. The registration happens once; later calls return the same
// instruments.
func New() *Metrics {
	once.Do(func() {
		instance = register()
	})
	return instance
}

func register() *Metrics {
	return &Metrics{
		SyncRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_sync_runs_total",
				Help: "Total number of directory sync runs",
			},
			[]string{"adapter", "status"}, // status: synced, sync_failed
		),
		SyncFailsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_sync_failures_total",
				Help: "Total number of directory sync failures by classification",
			},
			[]string{"adapter", "kind"}, // kind: client_error, transient
		),
		SyncDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directory_sync_duration_seconds",
				Help:    "Duration of a full provider sync run",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"adapter"},
		),
		SyncPlanSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directory_sync_plan_size",
				Help:    "Number of planned mutations per sync run",
				Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
			},
			[]string{"adapter", "op"}, // op: insert, update, delete
		),
		TokenRefreshes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_token_refreshes_total",
				Help: "Total number of provider access token refresh attempts",
			},
			[]string{"adapter", "status"},
		),
		ReplicationMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replication_messages_total",
				Help: "Total number of decoded logical replication messages",
			},
			[]string{"type"}, // begin, commit, relation, insert, update, delete, keepalive, unsupported
		),
		ReplicationRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "replication_restarts_total",
				Help: "Total number of replication connection restarts",
			},
		),
		DispatchedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_dispatches_total",
				Help: "Total number of WAL events dispatched to table hooks",
			},
			[]string{"table", "op"},
		),
		UnmappedTableEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "event_unmapped_tables_total",
				Help: "Total number of WAL events for tables with no registered hook",
			},
		),
		PresenceJoins: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_joins_total",
				Help: "Total number of presence joins by topic kind",
			},
			[]string{"kind"}, // gateway, relay, client
		),
		PresenceRateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "presence_rate_limited_total",
				Help: "Total number of socket joins rejected by the admission rate limit",
			},
		),
		PresenceOnline: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "presence_online",
				Help: "Entities currently tracked as online per topic kind",
			},
			[]string{"kind"},
		),
		ExecutorTicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_ticks_total",
				Help: "Total number of executor ticks by job name",
			},
			[]string{"job", "mode"}, // mode: concurrent, global
		),
		LeaderElections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leader_elections_total",
				Help: "Total number of leadership acquisitions by job name",
			},
			[]string{"job"},
		),
	}
}
