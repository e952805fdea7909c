// Package metrics exposes study progress to Prometheus.
package metrics

import (
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the study metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	trials      *prometheus.CounterVec
	bestLoss    *prometheus.GaugeVec
	runDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
}

// New creates a collector with every metric registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bistro_trials_total",
			Help: "Evaluated parameter sets by outcome (ok, failed, cached).",
		}, []string{"job_id", "outcome"}),
		bestLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bistro_best_loss",
			Help: "Lowest loss seen by a study.",
		}, []string{"job_id"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bistro_simulation_seconds",
			Help:    "Wall time of simulator runs.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"job_id"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bistro_active_jobs",
			Help: "Studies currently running.",
		}),
	}
	c.registry.MustRegister(c.trials, c.bestLoss, c.runDuration, c.activeJobs)
	return c
}

// ObserveTrial records one evaluation. Cached evaluations do not count
// towards the run time histogram.
func (c *Collector) ObserveTrial(jobID string, failed, cached bool, runTime time.Duration, bestLoss float64) {
	outcome := "ok"
	switch {
	case cached:
		outcome = "cached"
	case failed:
		outcome = "failed"
	}
	c.trials.WithLabelValues(jobID, outcome).Inc()

	if !cached && runTime > 0 {
		c.runDuration.WithLabelValues(jobID).Observe(runTime.Seconds())
	}
	if !math.IsInf(bestLoss, 0) && !math.IsNaN(bestLoss) {
		c.bestLoss.WithLabelValues(jobID).Set(bestLoss)
	}
}

// JobStarted and JobFinished track the number of running studies.
func (c *Collector) JobStarted()  { c.activeJobs.Inc() }
func (c *Collector) JobFinished() { c.activeJobs.Dec() }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
