// Package prommetrics provides a Prometheus-backed talloc.Metrics
// implementation: arena creation, thread adoption, slot reclamation, and
// page-advise counters, labeled by thread index.
package prommetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/atomsnap/internal/atomsnap/talloc"
)

// Collector implements talloc.Metrics with Prometheus counters.
type Collector struct {
	arenasCreated  *prometheus.CounterVec
	threadAdoption *prometheus.CounterVec
	slotsReclaimed *prometheus.CounterVec
	pagesAdvised   *prometheus.CounterVec
}

// New builds a Collector with the given metric name prefix.
func New(namespace string) *Collector {
	labels := []string{"tid"}
	return &Collector{
		arenasCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alloc_arenas_created_total",
			Help: "Number of arenas created by a thread context.",
		}, labels),
		threadAdoption: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alloc_thread_adoptions_total",
			Help: "Number of times a persisted thread context was adopted.",
		}, labels),
		slotsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alloc_slots_reclaimed_total",
			Help: "Number of slots returned via full-arena reclamation.",
		}, labels),
		pagesAdvised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alloc_pages_advised_total",
			Help: "Number of fully-free arenas unregistered by reclamation (OS page advice itself is currently a no-op; see arena.AdvisePages).",
		}, labels),
	}
}

// MustRegister registers every metric with r.
func (c *Collector) MustRegister(r prometheus.Registerer) {
	r.MustRegister(c.arenasCreated, c.threadAdoption, c.slotsReclaimed, c.pagesAdvised)
}

func label(tid uint8) string { return strconv.Itoa(int(tid)) }

func (c *Collector) ArenaCreated(tid uint8) { c.arenasCreated.WithLabelValues(label(tid)).Inc() }
func (c *Collector) ThreadAdopted(tid uint8) {
	c.threadAdoption.WithLabelValues(label(tid)).Inc()
}
func (c *Collector) SlotsReclaimed(tid uint8, count int) {
	c.slotsReclaimed.WithLabelValues(label(tid)).Add(float64(count))
}
func (c *Collector) PagesAdvised(tid uint8) { c.pagesAdvised.WithLabelValues(label(tid)).Inc() }

var _ talloc.Metrics = (*Collector)(nil)
