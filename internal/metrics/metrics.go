// Package metrics defines the Prometheus collectors recorded during an
// evaluation run and writes them out in the textfile exposition format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for a run. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ImagesTallied        *prometheus.CounterVec
	SegmentBatchDuration prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CacheWritesTotal     prometheus.Counter
	FrechetComponents    *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ImagesTallied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsd_images_tallied_total",
				Help: "Images segmented and tallied, by source (dataset, generator).",
			},
			[]string{"source"},
		),
		SegmentBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fsd_segment_batch_duration_seconds",
				Help:    "Wall time spent segmenting one batch.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fsd_tally_cache_hits_total",
				Help: "Tally lookups served from the cache.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fsd_tally_cache_misses_total",
				Help: "Tally lookups that required computation.",
			},
		),
		CacheWritesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fsd_tally_cache_writes_total",
				Help: "Tally matrices persisted to the cache.",
			},
		),
		FrechetComponents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fsd_frechet_distance",
				Help: "Last Frechet segmentation distance, by component (total, mean, cov).",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		m.ImagesTallied,
		m.SegmentBatchDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheWritesTotal,
		m.FrechetComponents,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveImages(source string, n int) {
	if m == nil {
		return
	}
	m.ImagesTallied.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.SegmentBatchDuration.Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) CacheWrite() {
	if m == nil {
		return
	}
	m.CacheWritesTotal.Inc()
}

// SetDistance records the components of a Frechet distance.
func (m *Metrics) SetDistance(distance, mean, cov float64) {
	if m == nil {
		return
	}
	m.FrechetComponents.WithLabelValues("total").Set(distance)
	m.FrechetComponents.WithLabelValues("mean").Set(mean)
	m.FrechetComponents.WithLabelValues("cov").Set(cov)
}

// WriteTextfile writes every collected metric to path, replacing the file
// atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}
