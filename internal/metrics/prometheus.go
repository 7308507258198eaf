// Package metrics provides Prometheus metrics for the game service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/koyon-nft/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every collector the service exports.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	// Scoring
	scoringRuns        *prometheus.CounterVec
	scoringUsers       *prometheus.CounterVec
	scoringCurrent     *prometheus.CounterVec
	scoringRunDuration *prometheus.HistogramVec

	// Submissions
	guessesRecorded *prometheus.CounterVec
	betsRecorded    *prometheus.CounterVec
	mintsRecorded   *prometheus.CounterVec
	ingestMessages  *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Realtime
	wsClients prometheus.Gauge
}

// NewManager creates a metrics manager. Without WithRegistry a fresh registry
// carrying the Go and process collectors is used.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "koyon",
		subsystem:        "game",
		histogramBuckets: prometheus.DefBuckets,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.scoringRuns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "scoring_runs_total",
		Help:      "Scoring runs by day and final status",
	}, []string{"day", "status"})

	m.scoringUsers = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "scoring_users_updated_total",
		Help:      "Balances changed by scoring runs",
	}, []string{"day"})

	m.scoringCurrent = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "scoring_users_already_current_total",
		Help:      "Users skipped because a newer or equal version was already applied",
	}, []string{"day"})

	m.scoringRunDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "scoring_run_duration_seconds",
		Help:      "Wall time of scoring runs",
		Buckets:   m.histogramBuckets,
	}, []string{"day", "status"})

	m.guessesRecorded = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "guesses_recorded_total",
		Help:      "Guesses accepted per day",
	}, []string{"day"})

	m.betsRecorded = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "bets_recorded_total",
		Help:      "Raffle entries accepted per item",
	}, []string{"item_code"})

	m.mintsRecorded = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "mints_recorded_total",
		Help:      "NFT mints per category",
	}, []string{"category"})

	m.ingestMessages = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "ingest_messages_total",
		Help:      "Submissions consumed from Kafka by outcome",
	}, []string{"type", "outcome"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.histogramBuckets,
	}, []string{"route", "method"})

	m.wsClients = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients",
	})
}

// Registry returns the registry the collectors live on
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records the outcome of a scoring run
func (m *Manager) ObserveRun(day domain.Day, status domain.RunStatus, usersUpdated, alreadyCurrent int, elapsed time.Duration) {
	d := day.String()
	m.scoringRuns.WithLabelValues(d, string(status)).Inc()
	m.scoringUsers.WithLabelValues(d).Add(float64(usersUpdated))
	m.scoringCurrent.WithLabelValues(d).Add(float64(alreadyCurrent))
	m.scoringRunDuration.WithLabelValues(d, string(status)).Observe(elapsed.Seconds())
}

// RecordGuess counts an accepted guess
func (m *Manager) RecordGuess(day domain.Day) {
	m.guessesRecorded.WithLabelValues(day.String()).Inc()
}

// RecordBet counts an accepted raffle entry
func (m *Manager) RecordBet(itemCode string) {
	m.betsRecorded.WithLabelValues(itemCode).Inc()
}

// RecordMint counts a mint
func (m *Manager) RecordMint(category string) {
	m.mintsRecorded.WithLabelValues(category).Inc()
}

// RecordIngest counts a consumed Kafka submission
func (m *Manager) RecordIngest(kind, outcome string) {
	m.ingestMessages.WithLabelValues(kind, outcome).Inc()
}

// SetWebSocketClients reports the number of connected clients
func (m *Manager) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// Middleware records request counts and latency keyed by the chi route pattern
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
