package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPoolViewUpdatesLabeledSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	a := m.For("0xa")
	b := m.For("0xb")
	a.Observed(3)
	a.Normalized("Swap")
	a.Normalized("Swap")
	b.Dropped("unknown")
	a.Delivered(20 * time.Millisecond)
	a.Retried()
	a.Pending(2)
	a.Checkpoint(12345)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsObserved.WithLabelValues("0xa")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsNormalized.WithLabelValues("0xa", "Swap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("0xb", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesDelivered.WithLabelValues("0xa")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PendingBatches.WithLabelValues("0xa")))
	assert.Equal(t, 12345.0, testutil.ToFloat64(m.CheckpointBlock.WithLabelValues("0xa")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PublishDuration))
}

func TestNilPoolIsNoop(t *testing.T) {
	var m *Metrics
	p := m.For("0xa")
	assert.Nil(t, p)

	assert.NotPanics(t, func() {
		p.Observed(1)
		p.Normalized("Swap")
		p.Dropped("malformed")
		p.Sealed()
		p.Delivered(time.Second)
		p.DeadLettered("permanent")
		p.Retried()
		p.Pending(1)
		p.State(1)
		p.Fatal()
		p.Checkpoint(1)
	})
}
