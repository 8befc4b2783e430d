package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for numbering and cap enforcement.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	allocated     *prometheus.CounterVec
	draftRenames  prometheus.Counter
	capRejections prometheus.Counter
	lockWait      prometheus.Histogram
}

// NewMetrics registers the billing collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	allocated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_numbers_allocated_total",
		Help: "Document numbers allocated partitioned by mode.",
	}, []string{"mode"})
	renames := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_billing_draft_renames_total",
		Help: "Drafts renamed because finalization claimed their number.",
	})
	caps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_billing_cap_rejections_total",
		Help: "Situation or credit documents rejected for exceeding their contract.",
	})
	wait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odyssey_billing_lock_wait_seconds",
		Help:    "Time spent waiting for a numbering scope lock.",
		Buckets: prometheus.DefBuckets,
	})
	registerer.MustRegister(allocated, renames, caps, wait)
	return &Metrics{allocated: allocated, draftRenames: renames, capRejections: caps, lockWait: wait}
}

func (m *Metrics) observeAllocation(mode Mode, renamed int) {
	if m == nil {
		return
	}
	m.allocated.WithLabelValues(string(mode)).Inc()
	if renamed > 0 {
		m.draftRenames.Add(float64(renamed))
	}
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) observeCapRejection() {
	if m == nil {
		return
	}
	m.capRejections.Inc()
}
