package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/db"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

const uniqueViolation = "23505"

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by PostgreSQL. The partial unique
// indexes on active matches make Create safe across processes.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const matchCols = `id, donor_id, recipient_id, organ, score, blood_score, age_score, physical_score, medical_score,
	state, created_by, accepted_by, rejected_by, completed_by, reject_reason,
	created_at, updated_at, accepted_at, rejected_at, completed_at`

func scanMatch(row pgx.Row) (*Match, error) {
	var m Match
	err := row.Scan(&m.ID, &m.DonorID, &m.RecipientID, &m.Organ, &m.Score,
		&m.Breakdown.BloodType, &m.Breakdown.Age, &m.Breakdown.Physical, &m.Breakdown.MedicalHistory,
		&m.State, &m.CreatedBy, &m.AcceptedBy, &m.RejectedBy, &m.CompletedBy, &m.RejectReason,
		&m.CreatedAt, &m.UpdatedAt, &m.AcceptedAt, &m.RejectedAt, &m.CompletedAt)
	return &m, err
}

func (r *storePG) addTransition(ctx context.Context, t *MatchTransition) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO match_transition (id, match_id, from_state, to_state, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), t.MatchID, t.From, t.To, t.Actor, t.Reason, t.At)
	return err
}

func (r *storePG) Create(ctx context.Context, m *Match) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.State = StatePending
	m.UpdatedAt = m.CreatedAt
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO match (id, donor_id, recipient_id, organ, score, blood_score, age_score, physical_score,
			medical_score, state, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		m.ID, m.DonorID, m.RecipientID, m.Organ, m.Score,
		m.Breakdown.BloodType, m.Breakdown.Age, m.Breakdown.Physical, m.Breakdown.MedicalHistory,
		m.State, m.CreatedBy, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("donor %s %s or recipient %s already bound (%s): %w",
				m.DonorID, m.Organ, m.RecipientID, pgErr.ConstraintName, sentinel.ErrConflict)
		}
		return err
	}
	return r.addTransition(ctx, &MatchTransition{MatchID: m.ID, To: StatePending, Actor: m.CreatedBy, At: m.CreatedAt})
}

func (r *storePG) Get(ctx context.Context, id uuid.UUID) (*Match, error) {
	m, err := scanMatch(r.conn(ctx).QueryRow(ctx, `SELECT `+matchCols+` FROM match WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("match %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func strPtr(s string) *string { return &s }

// Transition relies on the WHERE state = $2 guard: of two racing updates
// only one matches a row.
func (r *storePG) Transition(ctx context.Context, id uuid.UUID, from, to MatchState, actor, reason string, at time.Time) (*Match, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("match %s cannot move from %s to %s: %w", id, from, to, sentinel.ErrInvalidState)
	}
	var acceptedBy, rejectedBy, completedBy, rejectReason *string
	var acceptedAt, rejectedAt, completedAt *time.Time
	switch to {
	case StateAccepted:
		acceptedBy, acceptedAt = strPtr(actor), &at
	case StateRejected:
		rejectedBy, rejectedAt, rejectReason = strPtr(actor), &at, strPtr(reason)
	case StateCompleted:
		completedBy, completedAt = strPtr(actor), &at
	}
	m, err := scanMatch(r.conn(ctx).QueryRow(ctx, `
		UPDATE match SET state = $3, updated_at = $4,
			accepted_by = COALESCE($5, accepted_by), accepted_at = COALESCE($6, accepted_at),
			rejected_by = COALESCE($7, rejected_by), rejected_at = COALESCE($8, rejected_at),
			reject_reason = COALESCE($9, reject_reason),
			completed_by = COALESCE($10, completed_by), completed_at = COALESCE($11, completed_at)
		WHERE id = $1 AND state = $2
		RETURNING `+matchCols,
		id, from, to, at, acceptedBy, acceptedAt, rejectedBy, rejectedAt, rejectReason, completedBy, completedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := r.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("match %s is %s, not %s: %w", id, cur.State, from, sentinel.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	if err := r.addTransition(ctx, &MatchTransition{MatchID: id, From: from, To: to, Actor: actor, Reason: reason, At: at}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *storePG) List(ctx context.Context, f Filter, limit, offset int) ([]*Match, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	idx := 1
	add := func(clause string, v interface{}) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, v)
		idx++
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.DonorID != uuid.Nil {
		add("donor_id = $%d", f.DonorID)
	}
	if f.RecipientID != uuid.Nil {
		add("recipient_id = $%d", f.RecipientID)
	}
	if f.Organ != "" {
		add("organ = $%d", f.Organ)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM match WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf("SELECT %s FROM match WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		matchCols, cond, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *storePG) History(ctx context.Context, id uuid.UUID) ([]*MatchTransition, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, match_id, from_state, to_state, actor, reason, at
		FROM match_transition WHERE match_id = $1 ORDER BY at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MatchTransition
	for rows.Next() {
		var t MatchTransition
		if err := rows.Scan(&t.ID, &t.MatchID, &t.From, &t.To, &t.Actor, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *storePG) ActiveBindings(ctx context.Context, organ registry.OrganType) (Bindings, error) {
	b := Bindings{Donors: make(map[uuid.UUID]bool), Recipients: make(map[uuid.UUID]bool)}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT donor_id, organ, recipient_id FROM match WHERE state IN ('pending', 'accepted')`)
	if err != nil {
		return b, err
	}
	defer rows.Close()
	for rows.Next() {
		var donorID, recipientID uuid.UUID
		var o registry.OrganType
		if err := rows.Scan(&donorID, &o, &recipientID); err != nil {
			return b, err
		}
		if o == organ {
			b.Donors[donorID] = true
		}
		b.Recipients[recipientID] = true
	}
	return b, rows.Err()
}

// ---------------------------------------------------------------------------
// Rejected pairs
// ---------------------------------------------------------------------------

type rejectedPG struct{ pool *pgxpool.Pool }

// NewRejectedPairsPG returns a RejectedPairLedger backed by PostgreSQL.
func NewRejectedPairsPG(pool *pgxpool.Pool) RejectedPairLedger { return &rejectedPG{pool: pool} }

func (r *rejectedPG) conn(ctx context.Context) db.Queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *rejectedPG) Record(ctx context.Context, p RejectedPair) (bool, error) {
	if p.RejectedAt.IsZero() {
		p.RejectedAt = time.Now().UTC()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rejected_pair (donor_id, recipient_id, organ, match_id, reason, rejected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (donor_id, recipient_id, organ) DO NOTHING`,
		p.DonorID, p.RecipientID, p.Organ, p.MatchID, p.Reason, p.RejectedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *rejectedPG) Contains(ctx context.Context, donorID, recipientID uuid.UUID, organ registry.OrganType) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM rejected_pair WHERE donor_id = $1 AND recipient_id = $2 AND organ = $3)`,
		donorID, recipientID, organ).Scan(&ok)
	return ok, err
}

func (r *rejectedPG) collect(ctx context.Context, query string, args ...interface{}) (map[uuid.UUID]bool, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *rejectedPG) RejectedDonors(ctx context.Context, recipientID uuid.UUID, organ registry.OrganType) (map[uuid.UUID]bool, error) {
	return r.collect(ctx, `SELECT donor_id FROM rejected_pair WHERE recipient_id = $1 AND organ = $2`, recipientID, organ)
}

func (r *rejectedPG) RejectedRecipients(ctx context.Context, donorID uuid.UUID, organ registry.OrganType) (map[uuid.UUID]bool, error) {
	return r.collect(ctx, `SELECT recipient_id FROM rejected_pair WHERE donor_id = $1 AND organ = $2`, donorID, organ)
}
