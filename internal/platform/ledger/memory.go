package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type memoryBackend struct {
	mu      sync.RWMutex
	events  []Event
	byID    map[uuid.UUID]int
	cursors map[string]uint64
}

// NewMemory returns a Ledger held in process memory.
func NewMemory(opts ...Option) *Ledger {
	return newLedger(&memoryBackend{
		byID:    make(map[uuid.UUID]int),
		cursors: make(map[string]uint64),
	}, opts...)
}

func (b *memoryBackend) append(typ EventType, payload json.RawMessage, at time.Time) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := Event{
		ID:        uuid.New(),
		Seq:       uint64(len(b.events)) + 1,
		Type:      typ,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: at,
	}
	b.byID[ev.ID] = len(b.events)
	b.events = append(b.events, ev)
	return ev, nil
}

func (b *memoryBackend) get(id uuid.UUID) (Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.byID[id]
	if !ok {
		return Event{}, fmt.Errorf("event %s: %w", id, sentinel.ErrNotFound)
	}
	return b.events[i], nil
}

func (b *memoryBackend) scan(afterSeq uint64, limit int) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := int(afterSeq)
	if start >= len(b.events) {
		return nil, nil
	}
	end := start + limit
	if end > len(b.events) {
		end = len(b.events)
	}
	return append([]Event(nil), b.events[start:end]...), nil
}

func (b *memoryBackend) latest() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.events)), nil
}

func (b *memoryBackend) cursor(name string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursors[name], nil
}

func (b *memoryBackend) setCursor(name string, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[name] = seq
	return nil
}

func (b *memoryBackend) close() error { return nil }
