package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/ledger"
	"github.com/organmatch/organmatch/internal/platform/notification"
)

// recordingNotifier captures dispatched events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.MatchEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev notification.MatchEvent) ([]*notification.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil, nil
}

func (n *recordingNotifier) count(event notification.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Event == event {
			c++
		}
	}
	return c
}

// urgencyBooster boosts by urgency only.
type urgencyBooster map[registry.Urgency]float64

func (b urgencyBooster) Boosts(context.Context, registry.OrganType, time.Time) (BoostFunc, error) {
	return func(r *registry.Recipient) float64 { return b[r.Urgency] }, nil
}

type fixture struct {
	reg      *registry.MemoryStore
	store    *MemoryStore
	ledger   *ledger.Ledger
	notifier *recordingNotifier
	ranker   *Ranker
	svc      *Service
}

func newFixture(t *testing.T, cfg RankerConfig, booster Booster) *fixture {
	t.Helper()
	f := &fixture{
		reg:      registry.NewMemoryStore(),
		store:    NewMemoryStore(),
		ledger:   ledger.NewMemory(),
		notifier: &recordingNotifier{},
	}
	f.ranker = NewRanker(f.reg, f.store, f.store, booster, cfg, zerolog.Nop(), nil)
	f.svc = NewService(Deps{
		Registry: f.reg,
		Store:    f.store,
		Rejected: f.store,
		Ranker:   f.ranker,
		Ledger:   f.ledger,
		Notifier: f.notifier,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() { _ = f.ledger.Close() })
	return f
}

type donorOpt func(*registry.Donor)

func (f *fixture) donor(t *testing.T, blood registry.BloodType, age int, opts ...donorOpt) *registry.Donor {
	t.Helper()
	d := &registry.Donor{
		BloodType: blood,
		Age:       age,
		HeightCM:  175,
		WeightKG:  70,
		Organs:    []registry.DonorOrgan{{Organ: registry.OrganKidney, Status: registry.OrganAvailable}},
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := f.reg.CreateDonor(context.Background(), d); err != nil {
		t.Fatalf("create donor: %v", err)
	}
	return d
}

type recipientOpt func(*registry.Recipient)

func (f *fixture) recipient(t *testing.T, blood registry.BloodType, age int, opts ...recipientOpt) *registry.Recipient {
	t.Helper()
	r := &registry.Recipient{
		OrganNeeded: registry.OrganKidney,
		BloodType:   blood,
		Age:         age,
		HeightCM:    175,
		WeightKG:    70,
		Urgency:     registry.UrgencyNormal,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := f.reg.CreateRecipient(context.Background(), r); err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	return r
}

func withUrgency(u registry.Urgency) recipientOpt {
	return func(r *registry.Recipient) { r.Urgency = u }
}

func registeredAt(at time.Time) recipientOpt {
	return func(r *registry.Recipient) { r.RegisteredAt = at }
}

func withDonations(n int) donorOpt {
	return func(d *registry.Donor) { d.SuccessfulDonations = n }
}

func (f *fixture) create(t *testing.T, d *registry.Donor, r *registry.Recipient) *Match {
	t.Helper()
	m, err := f.svc.Create(context.Background(), CreateRequest{
		DonorID: d.ID, RecipientID: r.ID, Organ: r.OrganNeeded, Actor: "coordinator-1",
	})
	if err != nil {
		t.Fatalf("create match: %v", err)
	}
	return m
}

func ids(cs []Candidate) []uuid.UUID {
	out := make([]uuid.UUID, len(cs))
	for i, c := range cs {
		out[i] = c.RecipientID
	}
	return out
}
