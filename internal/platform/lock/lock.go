// Package lock serializes work on named keys. Match creation and transitions
// take locks on the donor organ and the recipient need they touch.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires exclusive ownership of a set of keys. Keys are taken in
// sorted order so two callers locking overlapping sets cannot deadlock. The
// returned release function is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// normalize sorts keys and drops duplicates.
func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

func (m *KeyedMutex) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.drop(key, e)
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	e := m.entries[key]
	m.mu.Unlock()
	if e == nil {
		return
	}
	<-e.ch
	m.drop(key, e)
}

func (m *KeyedMutex) drop(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.release(held[i])
		}
		held = held[:0]
	}
	for _, k := range keys {
		if err := m.acquire(ctx, k); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

var _ Locker = (*KeyedMutex)(nil)
