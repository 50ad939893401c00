// Package metrics holds the Prometheus instruments of the matching engine.
// Every method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	MatchesCreated      *prometheus.CounterVec
	MatchTransitions    *prometheus.CounterVec
	MatchConflicts      prometheus.Counter
	RankingDuration     prometheus.Histogram
	CandidatesScored    prometheus.Counter
	Notifications       *prometheus.CounterVec
	DeathConfirmations  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers all instruments with reg. Pass prometheus.NewRegistry() in
// tests; the server uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		MatchesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organmatch_matches_created_total",
			Help: "Matches created by organ type",
		}, []string{"organ"}),

		MatchTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organmatch_match_transitions_total",
			Help: "Match state transitions by target state",
		}, []string{"to"}),

		MatchConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "organmatch_match_conflicts_total",
			Help: "Match creations rejected because a side was already bound",
		}),

		RankingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "organmatch_ranking_duration_seconds",
			Help:    "Duration of a full candidate ranking pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		CandidatesScored: f.NewCounter(prometheus.CounterOpts{
			Name: "organmatch_candidates_scored_total",
			Help: "Donor/recipient pairs scored",
		}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organmatch_notifications_total",
			Help: "Notification outcomes by status",
		}, []string{"status"}), // status: queued, delivered, retry, failed, duplicate

		DeathConfirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organmatch_death_confirmations_total",
			Help: "Death confirmations by outcome",
		}, []string{"outcome"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "organmatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) IncMatchCreated(organ string) {
	if m != nil {
		m.MatchesCreated.WithLabelValues(organ).Inc()
	}
}

func (m *Metrics) IncTransition(to string) {
	if m != nil {
		m.MatchTransitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) IncConflict() {
	if m != nil {
		m.MatchConflicts.Inc()
	}
}

func (m *Metrics) ObserveRanking(d time.Duration, scored int) {
	if m != nil {
		m.RankingDuration.Observe(d.Seconds())
		m.CandidatesScored.Add(float64(scored))
	}
}

func (m *Metrics) IncNotification(status string) {
	if m != nil {
		m.Notifications.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncDeathConfirmation(outcome string) {
	if m != nil {
		m.DeathConfirmations.WithLabelValues(outcome).Inc()
	}
}

// Middleware records request latency labelled by route template, not raw
// path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry this Metrics was built with, or the default
// registry when it was not a Gatherer.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil || m.gatherer == nil {
		return echo.WrapHandler(promhttp.Handler())
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
