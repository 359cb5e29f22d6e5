package tierkv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/tierkv/provider"
)

// Metrics holds the module's prometheus instruments. A nil *Metrics disables
// collection; every record method tolerates a nil receiver.
type Metrics struct {
	reads      *prometheus.CounterVec // tier, result
	writes     *prometheus.CounterVec // tier
	promotions prometheus.Counter
	mirrors    prometheus.Counter
	flushes    prometheus.Counter
	flushed    prometheus.Counter
}

// NewMetrics builds and registers the instruments. Registration conflicts
// surface as a panic the way MustRegister does, so wire one Metrics per
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierkv_reads_total",
			Help: "Tier read probes by outcome.",
		}, []string{"tier", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tierkv_writes_total",
			Help: "Writes routed to each tier.",
		}, []string{"tier"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tierkv_promotions_total",
			Help: "Read hits copied from a slower tier into memory.",
		}),
		mirrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tierkv_mirrors_total",
			Help: "Small writes mirrored into memory as a side effect.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tierkv_batcher_flushes_total",
			Help: "Write batcher flush rounds.",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tierkv_batcher_entries_total",
			Help: "Entries drained by the write batcher.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.writes, m.promotions, m.mirrors, m.flushes, m.flushed)
	}
	return m
}

func (m *Metrics) read(t provider.Type, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.reads.WithLabelValues(t.String(), result).Inc()
}

func (m *Metrics) write(t provider.Type) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) promotion() {
	if m == nil {
		return
	}
	m.promotions.Inc()
}

func (m *Metrics) mirror() {
	if m == nil {
		return
	}
	m.mirrors.Inc()
}

func (m *Metrics) flush(entries int) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushed.Add(float64(entries))
}
