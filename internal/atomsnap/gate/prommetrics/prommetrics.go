// Package prommetrics provides a Prometheus-backed gate.Metrics
// implementation, grounded on the retrieval pack's nearest domain
// neighbor (an arena/cache library) wiring github.com/prometheus/
// client_golang for allocator- and cache-level counters.
package prommetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/atomsnap/internal/atomsnap/gate"
)

// Collector implements gate.Metrics by incrementing per-slot-index
// Prometheus counters. Register it with a prometheus.Registerer once per
// process; a single Collector may be shared by multiple Gates.
type Collector struct {
	published *prometheus.CounterVec
	detached  *prometheus.CounterVec
	reclaimed *prometheus.CounterVec
	casRetry  *prometheus.CounterVec
}

// New builds a Collector with the given metric name prefix.
func New(namespace string) *Collector {
	labels := []string{"slot_index"}
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_published_total",
			Help: "Number of versions published through a gate control block.",
		}, labels),
		detached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_detached_total",
			Help: "Number of versions detached from a gate control block.",
		}, labels),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_reclaimed_total",
			Help: "Number of versions whose cleanup callback has run.",
		}, labels),
		casRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_cas_retry_total",
			Help: "Number of CAS retries during Exchange/CompareExchange/detach.",
		}, labels),
	}
	return c
}

// MustRegister registers every metric with r, panicking on collision; use
// it for a process-wide singleton Collector at startup.
func (c *Collector) MustRegister(r prometheus.Registerer) {
	r.MustRegister(c.published, c.detached, c.reclaimed, c.casRetry)
}

func label(slotIndex int) string { return strconv.Itoa(slotIndex) }

func (c *Collector) Published(slotIndex int) { c.published.WithLabelValues(label(slotIndex)).Inc() }
func (c *Collector) Detached(slotIndex int)  { c.detached.WithLabelValues(label(slotIndex)).Inc() }
func (c *Collector) Reclaimed(slotIndex int) { c.reclaimed.WithLabelValues(label(slotIndex)).Inc() }
func (c *Collector) CASRetry(slotIndex int)  { c.casRetry.WithLabelValues(label(slotIndex)).Inc() }

var _ gate.Metrics = (*Collector)(nil)
