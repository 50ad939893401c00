package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// PingCheck adapts a pool to a Check.
func PingCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

// HealthReport is the body returned by HealthHandler.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// RunChecks evaluates every check and reports "healthy" only if all pass.
func RunChecks(ctx context.Context, checks map[string]Check) *HealthReport {
	report := &HealthReport{Status: "healthy", Checks: make(map[string]string, len(checks))}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			report.Status = "unhealthy"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// HealthHandler returns a handler reporting the state of the database pool
// (when pool is non-nil) and any additional dependency checks.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		all := make(map[string]Check, len(checks)+1)
		for name, chk := range checks {
			all[name] = chk
		}
		if pool != nil {
			all["database"] = PingCheck(pool)
		}

		report := RunChecks(ctx, all)
		if pool != nil {
			report.Pool = GetPoolStats(pool)
		}
		if report.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
