package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the member registry.
// Tracks creations by resulting status, denials by reason, deletions,
// storage retries and per-operation durations.
type Metrics struct {
	MembersCreated    *prometheus.CounterVec
	CreatesDenied     *prometheus.CounterVec
	MembersDeleted    prometheus.Counter
	StorageRetries    *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
	OperationDuration *prometheus.HistogramVec
}

// New registers the registry metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MembersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamclock_members_created_total",
			Help: "Total number of team members created, by resulting status",
		}, []string{"status"}),
		CreatesDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamclock_member_creates_denied_total",
			Help: "Total number of member creates denied, by reason",
		}, []string{"reason"}),
		MembersDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamclock_members_deleted_total",
			Help: "Total number of team members deleted",
		}),
		StorageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamclock_storage_retries_total",
			Help: "Storage attempts retried after a transient failure or stale version",
		}, []string{"operation"}),
		IdempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamclock_idempotent_replays_total",
			Help: "Creates answered from a previously seen idempotency key",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamclock_registry_operation_duration_seconds",
			Help:    "Duration of registry operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

// IncrementCreated records a successful create.
func (m *Metrics) IncrementCreated(status string) {
	m.MembersCreated.WithLabelValues(status).Inc()
}

// IncrementDenied records a create rejected by policy or the store.
func (m *Metrics) IncrementDenied(reason string) {
	m.CreatesDenied.WithLabelValues(reason).Inc()
}

// IncrementDeleted records a successful delete.
func (m *Metrics) IncrementDeleted() {
	m.MembersDeleted.Inc()
}

// IncrementRetry records one retried storage attempt.
func (m *Metrics) IncrementRetry(operation string) {
	m.StorageRetries.WithLabelValues(operation).Inc()
}

// IncrementReplay records a create served from an idempotency key.
func (m *Metrics) IncrementReplay() {
	m.IdempotentReplays.Inc()
}

// ObserveOperation records the duration of a registry operation.
// Call with the operation's start time.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
