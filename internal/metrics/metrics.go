package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "poolstream"

// Metrics holds the collectors shared by every pool pipeline. All vectors are
// labeled by pool; collectors are safe for concurrent use.
type Metrics struct {
	// Ingestion
	EventsObserved   *prometheus.CounterVec
	EventsNormalized *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	CheckpointBlock  *prometheus.GaugeVec

	// Batching and delivery
	BatchesSealed       *prometheus.CounterVec
	BatchesDelivered    *prometheus.CounterVec
	BatchesDeadLettered *prometheus.CounterVec
	DeliveryRetries     *prometheus.CounterVec
	PendingBatches      *prometheus.GaugeVec
	PublishDuration     *prometheus.HistogramVec

	// Lifecycle
	LoopState   *prometheus.GaugeVec
	FatalErrors *prometheus.CounterVec
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_observed_total",
			Help:      "Raw pool logs read from the chain.",
		}, []string{"pool"}),
		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_normalized_total",
			Help:      "Canonical records produced, labeled by kind.",
		}, []string{"pool", "kind"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Raw logs that produced no record, labeled by reason.",
		}, []string{"pool", "reason"}),
		CheckpointBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block",
			Help:      "Block of the last saved checkpoint.",
		}, []string{"pool"}),

		BatchesSealed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sealed_total",
			Help:      "Batches sealed by the batcher.",
		}, []string{"pool"}),
		BatchesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Batches acknowledged by the broker.",
		}, []string{"pool"}),
		BatchesDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dead_lettered_total",
			Help:      "Batches written to the dead-letter sink, labeled by failure kind.",
		}, []string{"pool", "kind"}),
		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Publish attempts repeated after a transient failure.",
		}, []string{"pool"}),
		PendingBatches: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batches",
			Help:      "Sealed batches not yet delivered or dead-lettered.",
		}, []string{"pool"}),
		PublishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from first publish attempt to outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),

		LoopState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_state",
			Help:      "Observer loop state: 0 starting, 1 running, 2 draining, 3 stopped, 4 failed.",
		}, []string{"pool"}),
		FatalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_errors_total",
			Help:      "Observer loops that ended in the failed state.",
		}, []string{"pool"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Pool is a view of Metrics bound to one pool label. A nil *Pool discards everything.
type Pool struct {
	m    *Metrics
	pool string
}

// For binds m to pool. It returns nil when m is nil.
func (m *Metrics) For(pool string) *Pool {
	if m == nil {
		return nil
	}
	return &Pool{m: m, pool: pool}
}

func (p *Pool) Observed(n int) {
	if p == nil || n == 0 {
		return
	}
	p.m.EventsObserved.WithLabelValues(p.pool).Add(float64(n))
}

func (p *Pool) Normalized(kind string) {
	if p == nil {
		return
	}
	p.m.EventsNormalized.WithLabelValues(p.pool, kind).Inc()
}

func (p *Pool) Dropped(reason string) {
	if p == nil {
		return
	}
	p.m.EventsDropped.WithLabelValues(p.pool, reason).Inc()
}

func (p *Pool) Checkpoint(block uint64) {
	if p == nil {
		return
	}
	p.m.CheckpointBlock.WithLabelValues(p.pool).Set(float64(block))
}

func (p *Pool) Sealed() {
	if p == nil {
		return
	}
	p.m.BatchesSealed.WithLabelValues(p.pool).Inc()
}

func (p *Pool) Delivered(elapsed time.Duration) {
	if p == nil {
		return
	}
	p.m.BatchesDelivered.WithLabelValues(p.pool).Inc()
	p.m.PublishDuration.WithLabelValues(p.pool).Observe(elapsed.Seconds())
}

func (p *Pool) DeadLettered(kind string) {
	if p == nil {
		return
	}
	p.m.BatchesDeadLettered.WithLabelValues(p.pool, kind).Inc()
}

func (p *Pool) Retried() {
	if p == nil {
		return
	}
	p.m.DeliveryRetries.WithLabelValues(p.pool).Inc()
}

func (p *Pool) Pending(n int) {
	if p == nil {
		return
	}
	p.m.PendingBatches.WithLabelValues(p.pool).Set(float64(n))
}

func (p *Pool) State(state int) {
	if p == nil {
		return
	}
	p.m.LoopState.WithLabelValues(p.pool).Set(float64(state))
}

func (p *Pool) Fatal() {
	if p == nil {
		return
	}
	p.m.FatalErrors.WithLabelValues(p.pool).Inc()
}
