package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vehicle-counter-go/pkg/models"
)

// Metrics метрики сервиса подсчета
type Metrics struct {
	// Сессии
	ActiveSessions atomic.Int64
	SessionsClosed atomic.Uint64

	// Кадры
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	FramesRejected  atomic.Uint64

	crossings         *prometheus.CounterVec
	enrichment        *prometheus.CounterVec
	frameDuration     prometheus.Histogram
	outstandingLookup func() float64

	registry *prometheus.Registry
}

// New создает метрики с собственным реестром Prometheus
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_counter_active_sessions",
			Help: "Sessions currently accepting frames",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_counter_sessions_closed_total",
			Help: "Total sessions closed",
		},
		func() float64 { return float64(m.SessionsClosed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_counter_frames_processed_total",
			Help: "Total frames run through the pipeline",
		},
		func() float64 { return float64(m.FramesProcessed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_counter_frames_skipped_total",
			Help: "Total frames skipped by frame stride",
		},
		func() float64 { return float64(m.FramesSkipped.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_counter_frames_rejected_total",
			Help: "Total frames rejected as out of order",
		},
		func() float64 { return float64(m.FramesRejected.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_counter_enrichment_outstanding",
			Help: "Enrichment requests in flight across sessions",
		},
		func() float64 {
			if m.outstandingLookup == nil {
				return 0
			}
			return m.outstandingLookup()
		},
	))

	m.crossings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_counter_crossings_total",
			Help: "Counted line crossings",
		},
		[]string{"class", "direction"},
	)
	m.registry.MustRegister(m.crossings)

	m.enrichment = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_counter_enrichment_results_total",
			Help: "Terminal enrichment results",
		},
		[]string{"state"},
	)
	m.registry.MustRegister(m.enrichment)

	m.frameDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vehicle_counter_frame_duration_seconds",
		Help:    "Time spent processing one frame",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	m.registry.MustRegister(m.frameDuration)
}

// SetOutstandingLookup задает источник числа запросов обогащения в работе
func (m *Metrics) SetOutstandingLookup(fn func() float64) {
	m.outstandingLookup = fn
}

// ObserveFrame учитывает результат обработки кадра
func (m *Metrics) ObserveFrame(result models.FrameResult, seconds float64) {
	// На пропущенных кадрах тоже забираются результаты обогащения
	for _, vehicle := range result.Enriched {
		m.enrichment.WithLabelValues(vehicle.Enrichment.String()).Inc()
	}

	if result.Skipped {
		m.FramesSkipped.Add(1)
		return
	}
	m.FramesProcessed.Add(1)
	m.frameDuration.Observe(seconds)

	for _, event := range result.Events {
		m.crossings.WithLabelValues(event.ClassLabel, event.Direction.String()).Inc()
	}
}

// Handler возвращает HTTP обработчик для Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
