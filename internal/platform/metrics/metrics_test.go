package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncMatchCreated("kidney")
	m.IncTransition("accepted")
	m.IncConflict()
	m.ObserveRanking(time.Millisecond, 3)
	m.IncNotification("delivered")
	m.IncDeathConfirmation("confirmed")

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	called := false
	if err := m.Middleware()(func(echo.Context) error { called = true; return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected next handler to run")
	}
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncMatchCreated("kidney")
	m.IncMatchCreated("kidney")
	m.IncConflict()
	m.ObserveRanking(time.Millisecond, 4)

	if got := testutil.ToFloat64(m.MatchesCreated.WithLabelValues("kidney")); got != 2 {
		t.Errorf("expected 2 kidney matches, got %v", got)
	}
	if got := testutil.ToFloat64(m.MatchConflicts); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.CandidatesScored); got != 4 {
		t.Errorf("expected 4 scored, got %v", got)
	}
}

func TestMiddlewareRecordsHTTPErrorStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/matches/abc", nil), httptest.NewRecorder())
	c.SetPath("/matches/:id")

	err := m.Middleware()(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected the handler error to pass through, got %v", err)
	}
	if got := testutil.CollectAndCount(m.HTTPRequestDuration); got != 1 {
		t.Errorf("expected one series, got %d", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncMatchCreated("liver")

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `organmatch_matches_created_total{organ="liver"} 1`) {
		t.Errorf("expected liver counter in output, got:\n%s", rec.Body.String())
	}
}
