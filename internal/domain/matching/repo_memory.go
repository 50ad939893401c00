package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type pairKey struct {
	donor     uuid.UUID
	recipient uuid.UUID
	organ     registry.OrganType
}

type donorOrganKey struct {
	donor uuid.UUID
	organ registry.OrganType
}

// MemoryStore implements Store and RejectedPairLedger in process. Every
// check-and-write happens under one mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	matches     map[uuid.UUID]*Match
	order       []uuid.UUID
	history     map[uuid.UUID][]*MatchTransition
	activeDonor map[donorOrganKey]uuid.UUID
	activeRecip map[uuid.UUID]uuid.UUID
	rejected    map[pairKey]RejectedPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:     make(map[uuid.UUID]*Match),
		history:     make(map[uuid.UUID][]*MatchTransition),
		activeDonor: make(map[donorOrganKey]uuid.UUID),
		activeRecip: make(map[uuid.UUID]uuid.UUID),
		rejected:    make(map[pairKey]RejectedPair),
	}
}

func (s *MemoryStore) Create(_ context.Context, m *Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dk := donorOrganKey{m.DonorID, m.Organ}
	if id, ok := s.activeDonor[dk]; ok {
		return fmt.Errorf("donor %s %s already bound to match %s: %w", m.DonorID, m.Organ, id, sentinel.ErrConflict)
	}
	if id, ok := s.activeRecip[m.RecipientID]; ok {
		return fmt.Errorf("recipient %s already bound to match %s: %w", m.RecipientID, id, sentinel.ErrConflict)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.State = StatePending
	m.UpdatedAt = m.CreatedAt
	cp := *m
	s.matches[m.ID] = &cp
	s.order = append(s.order, m.ID)
	s.activeDonor[dk] = m.ID
	s.activeRecip[m.RecipientID] = m.ID
	s.history[m.ID] = append(s.history[m.ID], &MatchTransition{
		ID: uuid.New(), MatchID: m.ID, To: StatePending, Actor: m.CreatedBy, At: m.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, from, to MatchState, actor, reason string, at time.Time) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, sentinel.ErrNotFound)
	}
	if m.State != from {
		return nil, fmt.Errorf("match %s is %s, not %s: %w", id, m.State, from, sentinel.ErrInvalidState)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("match %s cannot move from %s to %s: %w", id, from, to, sentinel.ErrInvalidState)
	}
	m.apply(to, actor, reason, at)
	if !to.Active() {
		delete(s.activeDonor, donorOrganKey{m.DonorID, m.Organ})
		delete(s.activeRecip, m.RecipientID)
	}
	s.history[id] = append(s.history[id], &MatchTransition{
		ID: uuid.New(), MatchID: id, From: from, To: to, Actor: actor, Reason: reason, At: at,
	})
	cp := *m
	return &cp, nil
}

func (f Filter) matches(m *Match) bool {
	if f.State != "" && m.State != f.State {
		return false
	}
	if f.DonorID != uuid.Nil && m.DonorID != f.DonorID {
		return false
	}
	if f.RecipientID != uuid.Nil && m.RecipientID != f.RecipientID {
		return false
	}
	if f.Organ != "" && m.Organ != f.Organ {
		return false
	}
	return true
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Match, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Match
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.matches[s.order[i]]
		if f.matches(m) {
			cp := *m
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return []*Match{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) History(_ context.Context, id uuid.UUID) ([]*MatchTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.matches[id]; !ok {
		return nil, fmt.Errorf("match %s: %w", id, sentinel.ErrNotFound)
	}
	out := make([]*MatchTransition, 0, len(s.history[id]))
	for _, t := range s.history[id] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ActiveBindings(_ context.Context, organ registry.OrganType) (Bindings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := Bindings{Donors: make(map[uuid.UUID]bool), Recipients: make(map[uuid.UUID]bool)}
	for k := range s.activeDonor {
		if k.organ == organ {
			b.Donors[k.donor] = true
		}
	}
	for r := range s.activeRecip {
		b.Recipients[r] = true
	}
	return b, nil
}

func (s *MemoryStore) Record(_ context.Context, p RejectedPair) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{p.DonorID, p.RecipientID, p.Organ}
	if _, ok := s.rejected[k]; ok {
		return false, nil
	}
	if p.RejectedAt.IsZero() {
		p.RejectedAt = time.Now().UTC()
	}
	s.rejected[k] = p
	return true, nil
}

func (s *MemoryStore) Contains(_ context.Context, donorID, recipientID uuid.UUID, organ registry.OrganType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rejected[pairKey{donorID, recipientID, organ}]
	return ok, nil
}

func (s *MemoryStore) RejectedDonors(_ context.Context, recipientID uuid.UUID, organ registry.OrganType) (map[uuid.UUID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]bool)
	for k := range s.rejected {
		if k.recipient == recipientID && k.organ == organ {
			out[k.donor] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) RejectedRecipients(_ context.Context, donorID uuid.UUID, organ registry.OrganType) (map[uuid.UUID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]bool)
	for k := range s.rejected {
		if k.donor == donorID && k.organ == organ {
			out[k.recipient] = true
		}
	}
	return out, nil
}

// RejectedPairs lists every recorded triple, oldest first.
func (s *MemoryStore) RejectedPairs() []RejectedPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RejectedPair, 0, len(s.rejected))
	for _, p := range s.rejected {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RejectedAt.Before(out[j].RejectedAt) })
	return out
}

var (
	_ Store              = (*MemoryStore)(nil)
	_ RejectedPairLedger = (*MemoryStore)(nil)
)
