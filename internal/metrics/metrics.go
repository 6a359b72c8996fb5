// Package metrics exposes the Prometheus instrumentation for the scan
// loop, cache and serving surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	stageSurvivors  *prometheus.GaugeVec
	scansTotal      *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	publishFailures prometheus.Counter
	artifactAge     prometheus.Gauge
	candidates      *prometheus.GaugeVec
}

// New builds a registry with all collectors registered, including the
// standard process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "discovery",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"stage"}),
		stageSurvivors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "discovery",
			Name:      "stage_survivors",
			Help:      "Symbols surviving each stage in the latest scan.",
		}, []string{"stage"}),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discovery",
			Name:      "scans_total",
			Help:      "Completed scans by outcome.",
		}, []string{"outcome"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "discovery",
			Name:      "scan_duration_seconds",
			Help:      "End to end scan duration.",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 20, 30, 45},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discovery",
			Name:      "volume_cache_hits_total",
			Help:      "Volume cache lookups that returned a fresh baseline.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discovery",
			Name:      "volume_cache_misses_total",
			Help:      "Volume cache lookups with no usable baseline.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discovery",
			Name:      "publish_failures_total",
			Help:      "Artifact publishes that failed.",
		}),
		artifactAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discovery",
			Name:      "artifact_age_seconds",
			Help:      "Age of the artifact served on the last read.",
		}),
		candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "discovery",
			Name:      "candidates",
			Help:      "Candidates in the latest artifact by action tag.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.stageDuration, m.stageSurvivors, m.scansTotal, m.scanDuration,
		m.cacheHits, m.cacheMisses, m.publishFailures, m.artifactAge,
		m.candidates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records one pipeline stage execution.
func (m *Metrics) ObserveStage(stage string, d time.Duration, outCount int) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.stageSurvivors.WithLabelValues(stage).Set(float64(outCount))
}

// ScanCompleted records one finished scan.
func (m *Metrics) ScanCompleted(outcome string, d time.Duration) {
	m.scansTotal.WithLabelValues(outcome).Inc()
	m.scanDuration.Observe(d.Seconds())
}

// CacheResult records one batch lookup's hit and miss counts.
func (m *Metrics) CacheResult(hits, misses int) {
	m.cacheHits.Add(float64(hits))
	m.cacheMisses.Add(float64(misses))
}

// PublishFailed counts a failed artifact publish.
func (m *Metrics) PublishFailed() {
	m.publishFailures.Inc()
}

// ObserveArtifactAge records the served artifact's age.
func (m *Metrics) ObserveArtifactAge(age time.Duration) {
	m.artifactAge.Set(age.Seconds())
}

// SetCandidateCounts records the action-tag breakdown of the latest artifact.
func (m *Metrics) SetCandidateCounts(tradeReady, watchlist int) {
	m.candidates.WithLabelValues("trade_ready").Set(float64(tradeReady))
	m.candidates.WithLabelValues("watchlist").Set(float64(watchlist))
}
