// Package ledger is the durable fact store of the matching engine. Match
// transitions and death verifications are appended as events; external
// accept/reject actions arrive as events and are delivered to subscribers.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// EventType names a fact or an inbound action.
type EventType string

const (
	EventMatchFound     EventType = "MatchFound"
	EventMatchAccepted  EventType = "MatchAccepted"
	EventMatchRejected  EventType = "MatchRejected"
	EventMatchCompleted EventType = "MatchCompleted"
	EventDeathVerified  EventType = "DeathVerified"

	// Inbound actions requested by an external party.
	EventMatchAcceptRequested EventType = "MatchAcceptRequested"
	EventMatchRejectRequested EventType = "MatchRejectRequested"
)

// Inbound reports whether t may be appended by external callers.
func (t EventType) Inbound() bool {
	return t == EventMatchAcceptRequested || t == EventMatchRejectRequested
}

// Event is one ledger entry. Seq is assigned on append and strictly
// increasing.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, sentinel.ErrValidation)
	}
	return nil
}

// ActionRequest is the payload of MatchAcceptRequested and
// MatchRejectRequested events.
type ActionRequest struct {
	MatchID uuid.UUID `json:"match_id"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
}

// EventHandler consumes one event. A returned error stops delivery for that
// subscription until the next poll, which retries from the same event.
type EventHandler func(ctx context.Context, ev Event) error

// Appender records facts. Services depend on this rather than on *Ledger.
type Appender interface {
	Append(ctx context.Context, typ EventType, payload any) (Event, error)
}

// backend is the storage under a Ledger.
type backend interface {
	append(typ EventType, payload json.RawMessage, at time.Time) (Event, error)
	get(id uuid.UUID) (Event, error)
	scan(afterSeq uint64, limit int) ([]Event, error)
	latest() (uint64, error)
	cursor(name string) (uint64, error)
	setCursor(name string, seq uint64) error
	close() error
}

type subscription struct {
	name    string
	types   map[EventType]bool
	handler EventHandler
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Ledger appends events and delivers them to named subscriptions in sequence
// order. Delivery is at-least-once: a subscription's cursor only moves past
// an event after its handler returns nil.
type Ledger struct {
	b        backend
	logger   zerolog.Logger
	interval time.Duration
	batch    int

	mu        sync.Mutex
	subs      []*subscription
	deliverMu sync.Mutex
	wake      chan struct{}
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(l zerolog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithPollInterval sets how often Run checks for undelivered events.
func WithPollInterval(d time.Duration) Option {
	return func(lg *Ledger) {
		if d > 0 {
			lg.interval = d
		}
	}
}

func newLedger(b backend, opts ...Option) *Ledger {
	lg := &Ledger{
		b:        b,
		logger:   zerolog.Nop(),
		interval: 2 * time.Second,
		batch:    256,
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(lg)
		}
	}
	return lg
}

// Append records an event. payload may be a json.RawMessage or any value
// encodable as JSON.
func (l *Ledger) Append(ctx context.Context, typ EventType, payload any) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if typ == "" {
		return Event{}, fmt.Errorf("event type is required: %w", sentinel.ErrValidation)
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = b
	}
	ev, err := l.b.append(typ, raw, l.now())
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", typ, err)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return ev, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	return l.b.get(id)
}

// List returns up to limit events after afterSeq, optionally restricted to
// one type.
func (l *Ledger) List(ctx context.Context, typ EventType, afterSeq uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	cur := afterSeq
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evs, err := l.b.scan(cur, l.batch)
		if err != nil {
			return nil, err
		}
		if len(evs) == 0 {
			break
		}
		for _, ev := range evs {
			if typ == "" || ev.Type == typ {
				out = append(out, ev)
				if len(out) == limit {
					break
				}
			}
		}
		cur = evs[len(evs)-1].Seq
	}
	return out, nil
}

// Subscribe registers handler under a durable name. With no types the
// subscription receives every event.
func (l *Ledger) Subscribe(name string, handler EventHandler, types ...EventType) {
	s := &subscription{name: name, handler: handler, types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
}

// Run delivers events until ctx is cancelled. It wakes on every local
// Append and otherwise polls at the configured interval.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.DeliverPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("ledger delivery failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// DeliverPending runs one delivery pass over every subscription.
func (l *Ledger) DeliverPending(ctx context.Context) error {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	subs := append([]*subscription(nil), l.subs...)
	l.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := l.deliver(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) deliver(ctx context.Context, s *subscription) error {
	cur, err := l.b.cursor(s.name)
	if err != nil {
		return fmt.Errorf("read cursor %s: %w", s.name, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		evs, err := l.b.scan(cur, l.batch)
		if err != nil {
			return fmt.Errorf("scan after %d: %w", cur, err)
		}
		if len(evs) == 0 {
			return nil
		}
		for _, ev := range evs {
			if s.wants(ev.Type) {
				if err := s.handler(ctx, ev); err != nil {
					l.logger.Warn().Err(err).
						Str("subscription", s.name).
						Str("event_type", string(ev.Type)).
						Uint64("seq", ev.Seq).
						Msg("ledger handler failed; will retry")
					return l.b.setCursor(s.name, cur)
				}
			}
			cur = ev.Seq
		}
		if err := l.b.setCursor(s.name, cur); err != nil {
			return fmt.Errorf("write cursor %s: %w", s.name, err)
		}
	}
}

// Latest returns the sequence number of the newest event, 0 when empty.
func (l *Ledger) Latest() (uint64, error) {
	return l.b.latest()
}

func (l *Ledger) Close() error {
	return l.b.close()
}

var _ Appender = (*Ledger)(nil)
