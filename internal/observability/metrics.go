package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	breakdownsTotal   *prometheus.CounterVec
	breakdownDuration prometheus.Histogram
	paymentsTotal     *prometheus.CounterVec
	unallocatedTotal  prometheus.Counter
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik fee engine.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fee_engine_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fee_engine_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	breakdowns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fee_engine_breakdowns_total",
		Help: "Jumlah perhitungan rincian biaya berdasarkan hasil.",
	}, []string{"outcome"})
	breakdownDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fee_engine_breakdown_duration_seconds",
		Help:    "Durasi pengambilan snapshot dan perhitungan rincian biaya.",
		Buckets: prometheus.DefBuckets,
	})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fee_engine_payments_total",
		Help: "Jumlah pembayaran yang dicatat berdasarkan hasil.",
	}, []string{"outcome"})
	unallocated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fee_engine_unallocated_amount_total",
		Help: "Total nominal pembayaran yang tidak teralokasi.",
	})
	registry.MustRegister(requests, duration, breakdowns, breakdownDuration, payments, unallocated)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		breakdownsTotal:   breakdowns,
		breakdownDuration: breakdownDuration,
		paymentsTotal:     payments,
		unallocatedTotal:  unallocated,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveBreakdown mencatat satu perhitungan rincian biaya.
func (m *Metrics) ObserveBreakdown(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.breakdownsTotal.WithLabelValues(outcome).Inc()
	m.breakdownDuration.Observe(elapsed.Seconds())
}

// ObservePayment mencatat satu pencatatan pembayaran beserta sisa yang tidak
// teralokasi.
func (m *Metrics) ObservePayment(outcome string, unallocated float64) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(outcome).Inc()
	if unallocated > 0 {
		m.unallocatedTotal.Add(unallocated)
	}
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
