package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/metrics"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// ---------------------------------------------------------------------------
// Retry policy
// ---------------------------------------------------------------------------

// RetryPolicy bounds delivery attempts. Delays grow exponentially from
// BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes three attempts.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Target is one audience of a match event. Err is set when the party exists
// but its address could not be looked up; such a target is stored anyway
// and resolved again at delivery.
type Target struct {
	Party   Party
	PartyID string
	Address string
	Err     error
}

// PartyResolver maps a match event to its audiences. Absent parties (a
// recipient without a hospital) are simply left out. A lookup failure for
// one party is reported on its Target, not as the returned error.
type PartyResolver interface {
	ResolveParties(ctx context.Context, ev MatchEvent) ([]Target, error)
}

// Enqueuer schedules asynchronous delivery of a stored notification.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) {
		if p.MaxAttempts > 0 {
			d.policy = p
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTemplates(t *TemplateEngine) Option {
	return func(d *Dispatcher) { d.templates = t }
}

// Dispatcher records one notification per (match, event, party) and
// delivers each asynchronously. Dispatch never waits for delivery.
type Dispatcher struct {
	store     Store
	resolver  PartyResolver
	transport Transport
	templates *TemplateEngine
	policy    RetryPolicy
	enqueuer  Enqueuer
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(store Store, resolver PartyResolver, transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		resolver:  resolver,
		transport: transport,
		templates: NewTemplateEngine(),
		policy:    DefaultRetryPolicy,
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SetEnqueuer installs the delivery queue. Until one is set Dispatch
// delivers through an in-process AsyncEnqueuer.
func (d *Dispatcher) SetEnqueuer(e Enqueuer) {
	d.enqueuer = e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type wirePayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
	DedupeKey      string    `json:"dedupe_key"`
	Event          Event     `json:"event"`
	Party          Party     `json:"party"`
	MatchID        uuid.UUID `json:"match_id"`
	DonorID        uuid.UUID `json:"donor_id"`
	RecipientID    uuid.UUID `json:"recipient_id"`
	Organ          string    `json:"organ"`
	Score          float64   `json:"score"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	At             time.Time `json:"at"`
}

func (d *Dispatcher) build(ev MatchEvent, t Target) (*Notification, error) {
	subject, body, err := d.templates.Render(ev.Event, templateData(ev))
	if err != nil {
		return nil, err
	}
	n := &Notification{
		ID:        uuid.New(),
		MatchID:   ev.MatchID,
		Event:     ev.Event,
		Party:     t.Party,
		PartyID:   t.PartyID,
		Address:   t.Address,
		Subject:   subject,
		Body:      body,
		CreatedAt: d.now(),
	}
	n.Payload, err = json.Marshal(wirePayload{
		NotificationID: n.ID,
		DedupeKey:      n.DedupeKey(),
		Event:          ev.Event,
		Party:          t.Party,
		MatchID:        ev.MatchID,
		DonorID:        ev.DonorID,
		RecipientID:    ev.RecipientID,
		Organ:          ev.Organ,
		Score:          ev.Score,
		State:          ev.State,
		Reason:         ev.Reason,
		Subject:        subject,
		Body:           body,
		At:             ev.At,
	})
	return n, err
}

// Dispatch records a notification for every resolved party and queues each
// new one for delivery. Parties already notified of this event are not
// notified again. The returned slice holds the stored notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, ev MatchEvent) ([]*Notification, error) {
	targets, err := d.resolver.ResolveParties(ctx, ev)
	if err != nil {
		targets = unresolved(err)
	}

	var (
		out  []*Notification
		errs []error
	)
	for _, t := range targets {
		if t.Err != nil {
			t.Address = ""
			errs = append(errs, fmt.Errorf("resolve %s for match %s: %w", t.Party, ev.MatchID, t.Err))
		}
		n, err := d.build(ev, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("build %s notification: %w", t.Party, err))
			continue
		}
		created, err := d.store.Insert(ctx, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s notification: %w", t.Party, err))
			continue
		}
		out = append(out, n)
		if !created {
			d.metrics.IncNotification("duplicate")
			continue
		}
		d.metrics.IncNotification("queued")
		if t.Err != nil {
			if err := d.store.RecordAttempt(context.WithoutCancel(ctx), n.ID, false, "resolve party: "+t.Err.Error(), d.now()); err != nil {
				errs = append(errs, fmt.Errorf("record %s attempt: %w", t.Party, err))
			}
		}
		if err := d.enqueue(ctx, n.ID); err != nil {
			d.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("enqueue notification failed")
			_ = d.store.RecordAttempt(context.WithoutCancel(ctx), n.ID, false, "enqueue: "+err.Error(), d.now())
			d.metrics.IncNotification("failed")
		}
	}
	return out, errors.Join(errs...)
}

// unresolved stands in for every party when the resolver fails outright.
func unresolved(err error) []Target {
	out := make([]Target, len(Parties))
	for i, p := range Parties {
		out[i] = Target{Party: p, Err: err}
	}
	return out
}

func (d *Dispatcher) enqueue(ctx context.Context, id uuid.UUID) error {
	if d.enqueuer == nil {
		d.enqueuer = NewAsyncEnqueuer(context.Background(), d.Deliver, d.logger)
	}
	return d.enqueuer.Enqueue(ctx, id)
}

// Deliver attempts delivery of a stored notification under the retry
// policy. Every attempt is recorded. A delivered notification is left
// untouched, so redelivered queue tasks are harmless. The returned error
// reports store failures only; exhausted retries are recorded, not returned.
func (d *Dispatcher) Deliver(ctx context.Context, id uuid.UUID) error {
	n, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Delivered {
		return nil
	}
	log := d.logger.With().Str("notification_id", id.String()).Str("party", string(n.Party)).Logger()
	record := context.WithoutCancel(ctx)

	var lastErr string
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		var ok, permanent bool
		ok, lastErr, permanent = d.attempt(ctx, record, n)
		if err := d.store.RecordAttempt(record, n.ID, ok, lastErr, d.now()); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if ok {
			d.metrics.IncNotification("delivered")
			return nil
		}
		if permanent {
			log.Warn().Str("error", lastErr).Int("attempt", attempt).Msg("notification delivery failed permanently")
			break
		}
		if attempt < d.policy.MaxAttempts {
			d.metrics.IncNotification("retry")
			if err := d.sleep(ctx, d.policy.Backoff(attempt)); err != nil {
				lastErr = err.Error()
				break
			}
		}
	}
	d.metrics.IncNotification("failed")
	log.Warn().Str("error", lastErr).Msg("notification not delivered")
	return nil
}

// errPartyGone marks a notification whose party no longer resolves to any
// audience, so retrying cannot help.
var errPartyGone = errors.New("party no longer resolvable")

// attempt makes one delivery try. A notification stored without an address
// is resolved first.
func (d *Dispatcher) attempt(ctx, record context.Context, n *Notification) (ok bool, lastErr string, permanent bool) {
	if n.Address == "" {
		if err := d.readdress(ctx, record, n); err != nil {
			return false, "resolve party: " + err.Error(), errors.Is(err, errPartyGone)
		}
	}
	delivered, err := d.transport.Send(ctx, n.Address, n.Payload)
	switch {
	case err != nil:
		return false, err.Error(), !errors.Is(err, sentinel.ErrTransientDelivery)
	case !delivered:
		return false, "no active listener for " + n.Address, false
	}
	return true, "", false
}

// readdress resolves the party of n from its payload and persists the
// address it finds.
func (d *Dispatcher) readdress(ctx, record context.Context, n *Notification) error {
	var p wirePayload
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, errPartyGone)
	}
	targets, err := d.resolver.ResolveParties(ctx, MatchEvent{
		Event:       p.Event,
		MatchID:     p.MatchID,
		DonorID:     p.DonorID,
		RecipientID: p.RecipientID,
		Organ:       p.Organ,
		Score:       p.Score,
		State:       p.State,
		Reason:      p.Reason,
		At:          p.At,
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.Party != n.Party {
			continue
		}
		if t.Err != nil {
			return t.Err
		}
		if t.Address == "" {
			break
		}
		if err := d.store.SetAddress(record, n.ID, t.PartyID, t.Address); err != nil {
			return fmt.Errorf("store address: %w", err)
		}
		n.PartyID, n.Address = t.PartyID, t.Address
		return nil
	}
	return errPartyGone
}

// Retry queues another delivery round for an undelivered notification.
func (d *Dispatcher) Retry(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Delivered {
		return n, fmt.Errorf("notification %s already delivered: %w", id, sentinel.ErrInvalidState)
	}
	if err := d.enqueue(ctx, id); err != nil {
		return n, fmt.Errorf("enqueue notification %s: %w", id, err)
	}
	return n, nil
}

// Store exposes the underlying store to the inbox handler.
func (d *Dispatcher) Store() Store {
	return d.store
}
