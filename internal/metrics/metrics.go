// Package metrics exports optimization progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/rbdo/internal/rbdo"
)

const namespace = "rbdo"

// Collector holds the run metrics. Use Observer to attach it to a run.
type Collector struct {
	RunsActive     prometheus.Gauge
	Iterations     prometheus.Counter
	Improvements   prometheus.Counter
	Evaluations    prometheus.Counter
	EvalDuration   prometheus.Histogram
	Fallbacks      *prometheus.CounterVec
	Terminations   *prometheus.CounterVec
	JobsInProgress prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Optimization runs currently streaming.",
		}),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Completed optimization iterations.",
		}),
		Improvements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "improvements_total",
			Help:      "Iterations that replaced the best point.",
		}),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Monte-Carlo reliability evaluations.",
		}),
		EvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one reliability evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallbacks_total",
			Help:      "LLM answers that could not be used, by source.",
		}, []string{"source"}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Finished runs by termination reason.",
		}, []string{"reason"}),
		JobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_progress",
			Help:      "Background optimization jobs holding a worker slot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.RunsActive, c.Iterations, c.Improvements, c.Evaluations,
			c.EvalDuration, c.Fallbacks, c.Terminations, c.JobsInProgress)
	}
	return c
}

// Observer returns an rbdo.Observer that records into c. The result is
// safe for concurrent use.
func (c *Collector) Observer() rbdo.Observer { return observer{c} }

type observer struct{ c *Collector }

func (o observer) RunStarted() { o.c.RunsActive.Inc() }

func (o observer) Evaluated(d time.Duration) {
	o.c.Evaluations.Inc()
	o.c.EvalDuration.Observe(d.Seconds())
}

func (o observer) Iteration(improved bool) {
	o.c.Iterations.Inc()
	if improved {
		o.c.Improvements.Inc()
	}
}

func (o observer) Fallback(source string, _ error) {
	o.c.Fallbacks.WithLabelValues(source).Inc()
}

func (o observer) RunFinished(reason rbdo.TerminationReason) {
	o.c.RunsActive.Dec()
	if reason == rbdo.ReasonNone {
		reason = "stopped"
	}
	o.c.Terminations.WithLabelValues(string(reason)).Inc()
}

// Multi fans measurements out to several observers.
func Multi(observers ...rbdo.Observer) rbdo.Observer { return multi(observers) }

type multi []rbdo.Observer

func (m multi) RunStarted() {
	for _, o := range m {
		o.RunStarted()
	}
}

func (m multi) Evaluated(d time.Duration) {
	for _, o := range m {
		o.Evaluated(d)
	}
}

func (m multi) Iteration(improved bool) {
	for _, o := range m {
		o.Iteration(improved)
	}
}

func (m multi) Fallback(source string, err error) {
	for _, o := range m {
		o.Fallback(source, err)
	}
}

func (m multi) RunFinished(reason rbdo.TerminationReason) {
	for _, o := range m {
		o.RunFinished(reason)
	}
}
