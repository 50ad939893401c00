package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/auth"
)

// MeasureDefinition is a named SQL report. Every query takes the organ
// filter as $1; an empty organ means all organs.
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"-"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "match-state-summary",
		Name:        "Match State Summary",
		Description: "Number of matches in each lifecycle state",
		SQL: `SELECT state, COUNT(*) AS total FROM match
			WHERE ($1 = '' OR organ = $1) GROUP BY state ORDER BY state`,
		Parameters: []string{"organ"},
	},
	{
		ID:          "match-volume-by-organ",
		Name:        "Match Volume by Organ",
		Description: "Matches proposed per organ with their average compatibility score",
		SQL: `SELECT organ, COUNT(*) AS total, ROUND(AVG(score)::numeric, 2) AS avg_score FROM match
			WHERE ($1 = '' OR organ = $1) GROUP BY organ ORDER BY total DESC`,
		Parameters: []string{"organ"},
	},
	{
		ID:          "waiting-recipients",
		Name:        "Waiting Recipients",
		Description: "Recipients still waiting, by organ and urgency",
		SQL: `SELECT organ_needed AS organ, urgency, COUNT(*) AS total FROM recipient
			WHERE status = 'waiting' AND ($1 = '' OR organ_needed = $1)
			GROUP BY organ_needed, urgency ORDER BY organ_needed, urgency`,
		Parameters: []string{"organ"},
	},
	{
		ID:          "available-organs",
		Name:        "Available Organs",
		Description: "Organs released by a confirmed death and not yet claimed",
		SQL: `SELECT organ, COUNT(*) AS total FROM donor_organ
			WHERE status = 'available' AND ($1 = '' OR organ = $1) GROUP BY organ ORDER BY organ`,
		Parameters: []string{"organ"},
	},
	{
		ID:          "time-to-acceptance",
		Name:        "Time to Acceptance",
		Description: "Average and worst seconds between a match being proposed and accepted",
		SQL: `SELECT organ, COUNT(*) AS accepted,
				ROUND(AVG(EXTRACT(EPOCH FROM accepted_at - created_at))::numeric, 1) AS avg_seconds,
				ROUND(MAX(EXTRACT(EPOCH FROM accepted_at - created_at))::numeric, 1) AS max_seconds
			FROM match WHERE accepted_at IS NOT NULL AND ($1 = '' OR organ = $1)
			GROUP BY organ ORDER BY organ`,
		Parameters: []string{"organ"},
	},
	{
		ID:          "notification-delivery",
		Name:        "Notification Delivery",
		Description: "Delivered and undelivered notifications per party",
		SQL: `SELECT n.party,
				COUNT(*) FILTER (WHERE n.delivered) AS delivered,
				COUNT(*) FILTER (WHERE NOT n.delivered) AS undelivered
			FROM notification n JOIN match m ON m.id = n.match_id
			WHERE ($1 = '' OR m.organ = $1) GROUP BY n.party ORDER BY n.party`,
		Parameters: []string{"organ"},
	},
}

// Querier runs a report query. *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db Querier
}

// NewHandler creates a reporting handler. A nil db leaves the measure list
// browsable but evaluation unavailable.
func NewHandler(db Querier) *Handler {
	return &Handler{db: db}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole(auth.RoleCoordinator))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	params, args, err := measureArgs(measure, c.QueryParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.db == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reports need the postgres store")
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
		Parameters:  params,
	})
}

// measureArgs reads the measure's parameters in declaration order. Missing
// parameters are passed as empty strings.
func measureArgs(m *MeasureDefinition, get func(string) string) (map[string]string, []any, error) {
	params := map[string]string{}
	args := make([]any, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		v := get(p)
		if p == "organ" && v != "" && !registry.ValidOrgan(registry.OrganType(v)) {
			return nil, nil, fmt.Errorf("unknown organ %q", v)
		}
		if v != "" {
			params[p] = v
		}
		args = append(args, v)
	}
	return params, args, nil
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...any) ([]map[string]interface{}, error) {
	rows, err := h.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
