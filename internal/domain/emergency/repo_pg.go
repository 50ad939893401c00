package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/db"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const elevationCols = `id, organ, region, level, reason, proposal_ref, created_by, expires_at, created_at`

func scanElevation(row pgx.Row) (*Elevation, error) {
	var e Elevation
	err := row.Scan(&e.ID, &e.Organ, &e.Region, &e.Level, &e.Reason, &e.ProposalRef, &e.CreatedBy, &e.ExpiresAt, &e.CreatedAt)
	return &e, err
}

func (r *repoPG) Create(ctx context.Context, e *Elevation) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergency_elevation (id, organ, region, level, reason, proposal_ref, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Organ, e.Region, e.Level, e.Reason, e.ProposalRef, e.CreatedBy, e.ExpiresAt, e.CreatedAt)
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Elevation, error) {
	e, err := scanElevation(r.conn(ctx).QueryRow(ctx, `SELECT `+elevationCols+` FROM emergency_elevation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("elevation %s: %w", id, sentinel.ErrNotFound)
	}
	return e, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Elevation, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Organ != "" {
		add("organ = $%d", f.Organ)
	}
	if f.Region != "" {
		add("(region = '' OR region = $%d)", f.Region)
	}
	if f.ActiveAt != nil {
		add("expires_at > $%d", *f.ActiveAt)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM emergency_elevation`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM emergency_elevation%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		elevationCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Elevation
	for rows.Next() {
		e, err := scanElevation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ForOrgan(ctx context.Context, organ registry.OrganType) ([]*Elevation, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+elevationCols+` FROM emergency_elevation WHERE organ = $1`, organ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Elevation
	for rows.Next() {
		e, err := scanElevation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) Expire(ctx context.Context, id uuid.UUID, at time.Time) (*Elevation, error) {
	e, err := scanElevation(r.conn(ctx).QueryRow(ctx, `
		UPDATE emergency_elevation SET expires_at = LEAST(expires_at, $2)
		WHERE id = $1
		RETURNING `+elevationCols, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("elevation %s: %w", id, sentinel.ErrNotFound)
	}
	return e, err
}
