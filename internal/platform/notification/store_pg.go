package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/organmatch/organmatch/internal/platform/db"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the notification table.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const notificationCols = `id, match_id, event, party, party_id, address, subject, body, payload,
	delivered, attempts, last_error, read, created_at, delivered_at, read_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.MatchID, &n.Event, &n.Party, &n.PartyID, &n.Address, &n.Subject, &n.Body, &n.Payload,
		&n.Delivered, &n.Attempts, &n.LastError, &n.Read, &n.CreatedAt, &n.DeliveredAt, &n.ReadAt)
	return &n, err
}

func (r *storePG) Insert(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification (id, match_id, event, party, party_id, address, subject, body, payload, dedupe_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID, n.MatchID, n.Event, n.Party, n.PartyID, n.Address, n.Subject, n.Body, n.Payload, n.DedupeKey(), n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	existing, err := scanNotification(r.conn(ctx).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE dedupe_key = $1`, n.DedupeKey()))
	if err != nil {
		return false, fmt.Errorf("load existing notification: %w", err)
	}
	*n = *existing
	return false, nil
}

func (r *storePG) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(r.conn(ctx).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	return n, err
}

func (r *storePG) RecordAttempt(ctx context.Context, id uuid.UUID, delivered bool, lastError string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification SET attempts = attempts + 1, last_error = $2,
			delivered = delivered OR $3,
			delivered_at = CASE WHEN $3 THEN $4 ELSE delivered_at END
		WHERE id = $1`, id, lastError, delivered, at)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (r *storePG) SetAddress(ctx context.Context, id uuid.UUID, partyID, address string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification SET party_id = $2, address = $3 WHERE id = $1`, id, partyID, address)
	if err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (r *storePG) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification SET read = TRUE, read_at = COALESCE(read_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (r *storePG) ListByParty(ctx context.Context, partyID string, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE party_id = $1`, partyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notification
		WHERE party_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, partyID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *storePG) ListByMatch(ctx context.Context, matchID uuid.UUID) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notification
		WHERE match_id = $1 ORDER BY created_at`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *storePG) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE NOT delivered AND attempts = 0),
			COUNT(*) FILTER (WHERE delivered),
			COUNT(*) FILTER (WHERE NOT delivered AND attempts > 0),
			COUNT(*) FILTER (WHERE read)
		FROM notification`).Scan(&st.Total, &st.Pending, &st.Delivered, &st.Failed, &st.Read)
	return st, err
}
