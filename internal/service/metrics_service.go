package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface and document lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	uploads        *prometheus.CounterVec
	downloads      *prometheus.CounterVec
	reviews        *prometheus.CounterVec
	chainChecks    *prometheus.CounterVec
	ownerLookups   *prometheus.CounterVec
	eventsOut      *prometheus.CounterVec
	eventsStalled  *prometheus.CounterVec
	storageRetries *prometheus.CounterVec
	storageFailed  *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_uploads_total",
		Help: "Document uploads by category and outcome",
	}, []string{"category", "outcome"})

	downloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_downloads_total",
		Help: "Document downloads by outcome",
	}, []string{"outcome"})

	reviews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_reviews_total",
		Help: "Review decisions applied",
	}, []string{"decision"})

	chainChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_log_verifications_total",
		Help: "Access log chain verifications by result",
	}, []string{"valid"})

	ownerLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_owner_lookups_total",
		Help: "Claim ownership lookups split by cache hit",
	}, []string{"cache"})

	eventsOut := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_events_published_total",
		Help: "Outbox events handed to the broker",
	}, []string{"type", "ok"})

	eventsStalled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_events_stalled_total",
		Help: "Outbox events that keep failing delivery",
	}, []string{"type"})

	storageRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "object_storage_retries_total",
		Help: "Object storage attempts that were retried",
	}, []string{"op"})

	storageFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "object_storage_failures_total",
		Help: "Object storage operations that failed after retries",
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, uploads, downloads, reviews, chainChecks, ownerLookups, eventsOut, eventsStalled, storageRetries, storageFailed, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		uploads:         uploads,
		downloads:       downloads,
		reviews:         reviews,
		chainChecks:     chainChecks,
		ownerLookups:    ownerLookups,
		eventsOut:       eventsOut,
		eventsStalled:   eventsStalled,
		storageRetries:  storageRetries,
		storageFailed:   storageFailed,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

func (m *MetricsService) RecordUpload(category, outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(category, outcome).Inc()
}

func (m *MetricsService) RecordDownload(outcome string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome).Inc()
}

func (m *MetricsService) RecordReview(decision string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(decision).Inc()
}

func (m *MetricsService) RecordChainVerification(valid bool) {
	if m == nil {
		return
	}
	m.chainChecks.WithLabelValues(fmt.Sprintf("%t", valid)).Inc()
}

func (m *MetricsService) RecordOwnershipLookup(hit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	m.ownerLookups.WithLabelValues(label).Inc()
}

func (m *MetricsService) RecordEventPublished(eventType string, ok bool) {
	if m == nil {
		return
	}
	m.eventsOut.WithLabelValues(eventType, fmt.Sprintf("%t", ok)).Inc()
}

// RecordEventStalled counts an outbox event that crossed the stall threshold.
func (m *MetricsService) RecordEventStalled(eventType string) {
	if m == nil {
		return
	}
	m.eventsStalled.WithLabelValues(eventType).Inc()
}

// ObserveStorageRetry satisfies objectstore.Observer.
func (m *MetricsService) ObserveStorageRetry(op string) {
	if m == nil {
		return
	}
	m.storageRetries.WithLabelValues(op).Inc()
}

// ObserveStorageFailure satisfies objectstore.Observer.
func (m *MetricsService) ObserveStorageFailure(op string) {
	if m == nil {
		return
	}
	m.storageFailed.WithLabelValues(op).Inc()
}
