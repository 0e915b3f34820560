// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface used by the scraper and the poll monitor.
type Recorder interface {
	RecordStrategy(strategy, outcome string, duration time.Duration)
	RecordFetch(outcome string)
	RecordNotification(success bool)
	RecordStateSave(success bool)
	RecordCycle(duration time.Duration)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	strategyAttempts *prometheus.CounterVec
	strategyLatency  *prometheus.HistogramVec
	fetches          *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	stateSaves       *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		strategyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insta_notifier_strategy_attempts_total",
			Help: "Fetch strategy attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		strategyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insta_notifier_strategy_duration_seconds",
			Help:    "Fetch strategy latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insta_notifier_fetches_total",
			Help: "Per-target fetch results (post, empty, error, backoff).",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insta_notifier_notifications_total",
			Help: "Webhook deliveries by result.",
		}, []string{"result"}),
		stateSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insta_notifier_state_saves_total",
			Help: "State store writes by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insta_notifier_cycle_duration_seconds",
			Help:    "Wall time of a full poll cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	reg.MustRegister(c.strategyAttempts, c.strategyLatency, c.fetches, c.notifications, c.stateSaves, c.cycleDuration)
	return c
}

// RecordStrategy records one strategy attempt.
func (c *Collector) RecordStrategy(strategy, outcome string, duration time.Duration) {
	c.strategyAttempts.WithLabelValues(strategy, outcome).Inc()
	c.strategyLatency.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordFetch records the overall result for one target.
func (c *Collector) RecordFetch(outcome string) {
	c.fetches.WithLabelValues(outcome).Inc()
}

// RecordNotification records a webhook delivery.
func (c *Collector) RecordNotification(success bool) {
	c.notifications.WithLabelValues(result(success)).Inc()
}

// RecordStateSave records a state write.
func (c *Collector) RecordStateSave(success bool) {
	c.stateSaves.WithLabelValues(result(success)).Inc()
}

// RecordCycle records cycle duration.
func (c *Collector) RecordCycle(duration time.Duration) {
	c.cycleDuration.Observe(duration.Seconds())
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordStrategy(string, string, time.Duration) {}
func (Nop) RecordFetch(string)                           {}
func (Nop) RecordNotification(bool)                      {}
func (Nop) RecordStateSave(bool)                         {}
func (Nop) RecordCycle(time.Duration)                    {}
