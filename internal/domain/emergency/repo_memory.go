package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
	"github.com/organmatch/organmatch/pkg/pagination"
)

type MemoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Elevation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[uuid.UUID]*Elevation)}
}

func (m *MemoryRepo) Create(_ context.Context, e *Elevation) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[e.ID] = &cp
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id uuid.UUID) (*Elevation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("elevation %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Elevation, int, error) {
	m.mu.RLock()
	var all []*Elevation
	for _, e := range m.items {
		if f.Organ != "" && e.Organ != f.Organ {
			continue
		}
		if f.Region != "" && e.Region != "" && e.Region != f.Region {
			continue
		}
		if f.ActiveAt != nil && !e.Active(*f.ActiveAt) {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], len(all), nil
}

func (m *MemoryRepo) ForOrgan(_ context.Context, organ registry.OrganType) ([]*Elevation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Elevation
	for _, e := range m.items {
		if e.Organ == organ {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) Expire(_ context.Context, id uuid.UUID, at time.Time) (*Elevation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("elevation %s: %w", id, sentinel.ErrNotFound)
	}
	if at.Before(e.ExpiresAt) {
		e.ExpiresAt = at
	}
	cp := *e
	return &cp, nil
}

var _ Repository = (*MemoryRepo)(nil)
