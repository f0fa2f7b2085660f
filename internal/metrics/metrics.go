package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foliumscope"

// Rejection reasons recorded by the upload endpoint.
const (
	RejectTooLarge      = "too_large"
	RejectNoFile        = "no_file"
	RejectNoFilename    = "no_filename"
	RejectFileType      = "file_type"
	RejectInvalidImage  = "invalid_image"
	RejectModelMissing  = "model_unavailable"
	RejectRateLimited   = "rate_limited"
	RejectPredictFailed = "predict_failed"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	predictionsTotal  *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	modelLoaded       prometheus.Gauge
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total HTTP requests processed.",
			ConstLabels: constLabels,
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		},
	)
	predictionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "predictions_total",
			Help:        "Successful predictions by predicted class.",
			ConstLabels: constLabels,
		},
		[]string{"class"},
	)
	rejectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "prediction_rejections_total",
			Help:        "Prediction requests that did not produce a result, by reason.",
			ConstLabels: constLabels,
		},
		[]string{"reason"},
	)
	inferenceDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "inference_duration_seconds",
			Help:        "Model inference duration in seconds.",
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: constLabels,
		},
		[]string{"engine"},
	)
	modelLoaded := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "model_loaded",
			Help:        "1 when a model is loaded and serving, 0 otherwise.",
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestTotal,
		requestDuration,
		requestInFlight,
		predictionsTotal,
		rejectionsTotal,
		inferenceDuration,
		modelLoaded,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		predictionsTotal:  predictionsTotal,
		rejectionsTotal:   rejectionsTotal,
		inferenceDuration: inferenceDuration,
		modelLoaded:       modelLoaded,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps label cardinality bounded.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/static/"):
		return "/static/{file}"
	case path == "/", path == "/predict", path == "/health", path == "/metrics":
		return path
	default:
		return "other"
	}
}

func (m *HTTPServerMetrics) ObserveInference(engine string, d time.Duration) {
	if engine == "" {
		engine = "unknown"
	}
	m.inferenceDuration.WithLabelValues(engine).Observe(d.Seconds())
}

func (m *HTTPServerMetrics) ObservePrediction(class string) {
	m.predictionsTotal.WithLabelValues(class).Inc()
}

func (m *HTTPServerMetrics) RecordRejection(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *HTTPServerMetrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.modelLoaded.Set(1)
		return
	}
	m.modelLoaded.Set(0)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
