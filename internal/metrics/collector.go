package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"apifallback/internal/models"
)

const (
	namespace = "apifallback"

	LabelURL     = "url"
	LabelOutcome = "outcome"
	LabelRole    = "role"

	OutcomeReachable   = "reachable"
	OutcomeUnreachable = "unreachable"
)

// Collector exposes probe and selection counters to Prometheus. It satisfies
// selector.Observer.
type Collector struct {
	probes     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	selections *prometheus.CounterVec
}

// NewCollector builds the collectors and registers them on r when r is non-nil.
func NewCollector(r prometheus.Registerer) *Collector {
	c := &Collector{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes issued, by endpoint URL and outcome.",
		}, []string{LabelURL, LabelOutcome}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency, by endpoint URL.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{LabelURL}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Endpoint selections, by role (primary, fallback, degraded).",
		}, []string{LabelRole}),
	}
	if r != nil {
		r.MustRegister(c.probes, c.latency, c.selections)
	}
	for _, role := range []models.Role{models.RolePrimary, models.RoleFallback, models.RoleDegraded} {
		c.selections.WithLabelValues(string(role))
	}
	return c
}

// ObserveProbe records one stored probe result.
func (c *Collector) ObserveProbe(res models.ProbeResult) {
	outcome := OutcomeUnreachable
	if res.Reachable {
		outcome = OutcomeReachable
	}
	c.probes.WithLabelValues(res.URL, outcome).Inc()
	c.latency.WithLabelValues(res.URL).Observe(float64(res.ElapsedMillis) / 1000)
}

// ObserveSelection records which side of the pair a selection returned.
func (c *Collector) ObserveSelection(role models.Role) {
	c.selections.WithLabelValues(string(role)).Inc()
}
