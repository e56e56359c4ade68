package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamirms/cidmap/resolve"
)

// Metrics exports pipeline counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	conflicts     prometheus.Counter
	malformed     prometheus.Counter
	hintMismatch  prometheus.Counter
	batches       prometheus.Counter
	cacheClears   *prometheus.CounterVec
	memoryPercent prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cidmap_decisions_total",
			Help: "Resolution decisions by kind",
		}, []string{"decision"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cidmap_conflicts_total",
			Help: "Structural key conflicts resolved",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cidmap_malformed_records_total",
			Help: "Candidate records skipped as malformed",
		}),
		hintMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cidmap_keyhint_mismatches_total",
			Help: "Candidates whose key disagrees with the keyhint index",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cidmap_batches_committed_total",
			Help: "Batches committed to the store",
		}),
		cacheClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cidmap_cache_clears_total",
			Help: "Mapper cache clears by reason",
		}, []string{"reason"}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cidmap_memory_usage_percent",
			Help: "Process resident memory as a percentage of system memory",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.decisions, m.conflicts, m.malformed, m.hintMismatch,
		m.batches, m.cacheClears, m.memoryPercent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(out resolve.Outcome) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(out.Decision.String()).Inc()
	if out.Conflict {
		m.conflicts.Inc()
	}
	if out.KeyHintMismatch {
		m.hintMismatch.Inc()
	}
}

func (m *Metrics) malformedRecord() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) batchCommitted() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

func (m *Metrics) cacheCleared(reason string) {
	if m == nil {
		return
	}
	m.cacheClears.WithLabelValues(reason).Inc()
}

func (m *Metrics) memory(percent float64) {
	if m == nil {
		return
	}
	m.memoryPercent.Set(percent)
}
