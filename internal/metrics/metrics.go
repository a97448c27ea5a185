// Package metrics collects and exposes Prometheus metrics for cowfork.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all cowfork-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Fork engine metrics.
	ForkTotal          *prometheus.CounterVec
	ForkErrorTotal     *prometheus.CounterVec
	PagesDuplicated    *prometheus.CounterVec
	PageDupErrorTotal  prometheus.Counter
	COWFaultTotal      prometheus.Counter
	FatalFaultTotal    *prometheus.CounterVec
	ForkDurationSecond *prometheus.HistogramVec

	// Kernel-level metrics.
	FramesInUse prometheus.Gauge
	FramesFree  prometheus.Gauge
	Envs        *prometheus.GaugeVec
	BuildInfo   *prometheus.GaugeVec
}

// New creates and registers all cowfork metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		ForkTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_fork_total",
				Help: "Total number of children created, by fork variant.",
			},
			[]string{"variant"},
		),

		ForkErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_fork_errors_total",
				Help: "Total number of forks that returned an error, by fork variant.",
			},
			[]string{"variant"},
		),

		PagesDuplicated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_pages_duplicated_total",
				Help: "Pages propagated to a child, by duplication policy.",
			},
			[]string{"policy"},
		),

		PageDupErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_page_dup_errors_total",
				Help: "Pages that could not be propagated to a child.",
			},
		),

		COWFaultTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_cow_faults_total",
				Help: "Copy-on-write faults resolved with a private copy.",
			},
		),

		FatalFaultTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_fatal_faults_total",
				Help: "Page faults that terminated the faulting environment, by reason.",
			},
			[]string{"reason"},
		),

		ForkDurationSecond: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cowfork_fork_duration_seconds",
				Help:    "Wall time spent creating and activating a child.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"variant"},
		),

		FramesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cowfork_frames_in_use",
				Help: "Physical frames currently referenced by at least one mapping.",
			},
		),

		FramesFree: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cowfork_frames_free",
				Help: "Physical frames available for allocation.",
			},
		),

		Envs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowfork_envs",
				Help: "Number of environments per status.",
			},
			[]string{"status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowfork_info",
				Help: "Build information about cowfork.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.ForkTotal,
		c.ForkErrorTotal,
		c.PagesDuplicated,
		c.PageDupErrorTotal,
		c.COWFaultTotal,
		c.FatalFaultTotal,
		c.ForkDurationSecond,
		c.FramesInUse,
		c.FramesFree,
		c.Envs,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// IncFork records a completed fork.
func (c *Collector) IncFork(variant string, seconds float64) {
	c.ForkTotal.WithLabelValues(variant).Inc()
	c.ForkDurationSecond.WithLabelValues(variant).Observe(seconds)
}

// IncForkError records a fork that returned an error.
func (c *Collector) IncForkError(variant string) {
	c.ForkErrorTotal.WithLabelValues(variant).Inc()
}

// IncPageDuplicated records one page propagated under policy.
func (c *Collector) IncPageDuplicated(policy string) {
	c.PagesDuplicated.WithLabelValues(policy).Inc()
}

// IncPageDupError records a page that failed to propagate.
func (c *Collector) IncPageDupError() {
	c.PageDupErrorTotal.Inc()
}

// IncCOWFault records a resolved copy-on-write fault.
func (c *Collector) IncCOWFault() {
	c.COWFaultTotal.Inc()
}

// IncFatalFault records a fault that killed its environment.
func (c *Collector) IncFatalFault(reason string) {
	c.FatalFaultTotal.WithLabelValues(reason).Inc()
}

// SetFrames updates the physical frame gauges.
func (c *Collector) SetFrames(inUse, free int) {
	c.FramesInUse.Set(float64(inUse))
	c.FramesFree.Set(float64(free))
}

// SetEnvCount sets the number of environments in a given status.
func (c *Collector) SetEnvCount(status string, count int) {
	c.Envs.WithLabelValues(status).Set(float64(count))
}
