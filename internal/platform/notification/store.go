package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// Store persists notifications and their delivery attempts.
type Store interface {
	// Insert stores n unless a notification with the same dedupe key exists.
	// It reports whether n was created; otherwise n is overwritten with the
	// stored row.
	Insert(ctx context.Context, n *Notification) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Notification, error)
	// RecordAttempt increments the attempt count and stores the outcome.
	RecordAttempt(ctx context.Context, id uuid.UUID, delivered bool, lastError string, at time.Time) error
	// SetAddress fills in the audience of a notification stored before its
	// party could be resolved.
	SetAddress(ctx context.Context, id uuid.UUID, partyID, address string) error
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByParty(ctx context.Context, partyID string, limit, offset int) ([]*Notification, int, error)
	ListByMatch(ctx context.Context, matchID uuid.UUID) ([]*Notification, error)
	Stats(ctx context.Context) (Stats, error)
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe, in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Notification
	byDedup map[string]uuid.UUID
	order   []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]*Notification),
		byDedup: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Insert(_ context.Context, n *Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := n.DedupeKey()
	if id, ok := s.byDedup[key]; ok {
		*n = *s.byID[id]
		return false, nil
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	s.byID[n.ID] = &cp
	s.byDedup[key] = n.ID
	s.order = append(s.order, n.ID)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, id uuid.UUID, delivered bool, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	n.Attempts++
	n.LastError = lastError
	if delivered {
		n.Delivered = true
		t := at
		n.DeliveredAt = &t
	}
	return nil
}

func (s *MemoryStore) SetAddress(_ context.Context, id uuid.UUID, partyID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	n.PartyID = partyID
	n.Address = address
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, sentinel.ErrNotFound)
	}
	if !n.Read {
		n.Read = true
		t := at
		n.ReadAt = &t
	}
	return nil
}

func (s *MemoryStore) ListByParty(_ context.Context, partyID string, limit, offset int) ([]*Notification, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var filtered []*Notification
	for i := len(s.order) - 1; i >= 0; i-- {
		n := s.byID[s.order[i]]
		if n.PartyID == partyID {
			cp := *n
			filtered = append(filtered, &cp)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Notification{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *MemoryStore) ListByMatch(_ context.Context, matchID uuid.UUID) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Notification
	for _, id := range s.order {
		n := s.byID[id]
		if n.MatchID == matchID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, n := range s.byID {
		st.Total++
		switch n.Status() {
		case "delivered":
			st.Delivered++
		case "pending":
			st.Pending++
		default:
			st.Failed++
		}
		if n.Read {
			st.Read++
		}
	}
	return st, nil
}

var _ Store = (*MemoryStore)(nil)
