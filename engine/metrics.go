// engine/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bkengine"

// Collector is a prometheus.Collector with metrics about backup runs.
// A nil *Collector can be used; it records nothing.
type Collector struct {
	backups       *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	runDuration   prometheus.Histogram
	pruned        *prometheus.CounterVec
	watchSkips    prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backups_total",
				Help:      "The number of group backup runs, by payload kind and outcome.",
			}, []string{"kind", "outcome"},
		),
		uploadedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploaded_bytes_total",
				Help:      "Bytes of payloads and sidecars uploaded.",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_duration_seconds",
				Help:      "The time taken to back up one group.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
		pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retention_deletions_total",
				Help:      "Backups handled by retention passes, by outcome.",
			}, []string{"outcome"},
		),
		watchSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "watch_skipped_runs_total",
				Help:      "Change-triggered runs skipped because a backup was already running.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.backups.Describe(ch)
	c.uploadedBytes.Describe(ch)
	c.runDuration.Describe(ch)
	c.pruned.Describe(ch)
	c.watchSkips.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.backups.Collect(ch)
	c.uploadedBytes.Collect(ch)
	c.runDuration.Collect(ch)
	c.pruned.Collect(ch)
	c.watchSkips.Collect(ch)
}

func (c *Collector) backupDone(kind, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.backups.WithLabelValues(kind, outcome).Inc()
	if outcome == "ok" {
		c.runDuration.Observe(seconds)
	}
}

func (c *Collector) uploaded(n int64) {
	if c == nil {
		return
	}
	c.uploadedBytes.Add(float64(n))
}

func (c *Collector) retention(deleted, failed int) {
	if c == nil {
		return
	}
	c.pruned.WithLabelValues("deleted").Add(float64(deleted))
	c.pruned.WithLabelValues("failed").Add(float64(failed))
}

// WatchSkipped records a change-triggered run that was dropped because
// another one was in progress.
func (c *Collector) WatchSkipped() {
	if c == nil {
		return
	}
	c.watchSkips.Inc()
}
