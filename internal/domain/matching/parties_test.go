package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/notification"
)

func TestPartyDirectory_ResolveParties(t *testing.T) {
	reg := registry.NewMemoryStore()
	ctx := context.Background()
	hook := "https://transplant.example.org/hooks"
	withHook := &registry.Hospital{Name: "General", Authorized: true, WebhookURL: &hook}
	inboxOnly := &registry.Hospital{Name: "County"}
	_ = reg.CreateHospital(ctx, withHook)
	_ = reg.CreateHospital(ctx, inboxOnly)

	d := &registry.Donor{BloodType: registry.BloodONeg, HospitalID: &inboxOnly.ID,
		Organs: []registry.DonorOrgan{{Organ: registry.OrganKidney}}}
	r := &registry.Recipient{OrganNeeded: registry.OrganKidney, BloodType: registry.BloodONeg, HospitalID: &withHook.ID}
	_ = reg.CreateDonor(ctx, d)
	_ = reg.CreateRecipient(ctx, r)

	targets, err := NewPartyDirectory(reg).ResolveParties(ctx, notification.MatchEvent{
		MatchID: uuid.New(), DonorID: d.ID, RecipientID: r.ID, At: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[notification.Party]string{
		notification.PartyRecipient:         "recipient:" + r.ID.String(),
		notification.PartyDonor:             "donor:" + d.ID.String(),
		notification.PartyRecipientHospital: hook,
		notification.PartyDonorHospital:     "hospital:" + inboxOnly.ID.String(),
	}
	if len(targets) != len(want) {
		t.Fatalf("expected %d targets, got %d", len(want), len(targets))
	}
	for _, tg := range targets {
		if want[tg.Party] != tg.Address {
			t.Errorf("%s: expected %q, got %q", tg.Party, want[tg.Party], tg.Address)
		}
	}
}

func TestPartyDirectory_AbsentHospitalsSkipped(t *testing.T) {
	reg := registry.NewMemoryStore()
	ctx := context.Background()
	missing := uuid.New()
	d := &registry.Donor{BloodType: registry.BloodONeg, Organs: []registry.DonorOrgan{{Organ: registry.OrganLiver}}}
	r := &registry.Recipient{OrganNeeded: registry.OrganLiver, BloodType: registry.BloodONeg, HospitalID: &missing}
	_ = reg.CreateDonor(ctx, d)
	_ = reg.CreateRecipient(ctx, r)

	targets, err := NewPartyDirectory(reg).ResolveParties(ctx, notification.MatchEvent{DonorID: d.ID, RecipientID: r.ID})
	if err != nil {
		t.Fatalf("absent hospitals are not an error: %v", err)
	}
	if len(targets) != 2 {
		t.Errorf("expected recipient and donor only, got %+v", targets)
	}
}

// hospitalOutage fails every hospital lookup.
type hospitalOutage struct {
	*registry.MemoryStore
}

func (hospitalOutage) GetHospital(context.Context, uuid.UUID) (*registry.Hospital, error) {
	return nil, errors.New("connection reset")
}

func TestPartyDirectory_HospitalLookupFailureKeepsOtherParties(t *testing.T) {
	reg := registry.NewMemoryStore()
	ctx := context.Background()
	h := &registry.Hospital{Name: "General"}
	_ = reg.CreateHospital(ctx, h)
	d := &registry.Donor{BloodType: registry.BloodONeg, Organs: []registry.DonorOrgan{{Organ: registry.OrganKidney}}}
	r := &registry.Recipient{OrganNeeded: registry.OrganKidney, BloodType: registry.BloodONeg, HospitalID: &h.ID}
	_ = reg.CreateDonor(ctx, d)
	_ = reg.CreateRecipient(ctx, r)

	targets, err := NewPartyDirectory(hospitalOutage{reg}).ResolveParties(ctx, notification.MatchEvent{DonorID: d.ID, RecipientID: r.ID})
	if err != nil {
		t.Fatalf("a hospital outage is reported per target: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected recipient, donor and recipient hospital, got %+v", targets)
	}
	for _, tg := range targets {
		switch tg.Party {
		case notification.PartyRecipientHospital:
			if tg.Err == nil || tg.PartyID != h.ID.String() || tg.Address != "" {
				t.Errorf("expected unresolved hospital target, got %+v", tg)
			}
		default:
			if tg.Err != nil || tg.Address == "" {
				t.Errorf("%s: expected a resolved target, got %+v", tg.Party, tg)
			}
		}
	}
}

func TestCreate_HospitalOutageStillNotifiesRecipientAndDonor(t *testing.T) {
	f := newFixture(t, DefaultRankerConfig, nil)
	ctx := context.Background()
	h := &registry.Hospital{Name: "General"}
	_ = f.reg.CreateHospital(ctx, h)
	d := f.donor(t, registry.BloodONeg, 40)
	r := f.recipient(t, registry.BloodONeg, 45, func(r *registry.Recipient) { r.HospitalID = &h.ID })

	notes := notification.NewMemoryStore()
	dispatcher := notification.NewDispatcher(notes, NewPartyDirectory(hospitalOutage{f.reg}),
		notification.TransportFunc(func(context.Context, string, []byte) (bool, error) { return true, nil }),
		notification.WithRetryPolicy(notification.RetryPolicy{MaxAttempts: 1}))
	async := notification.NewAsyncEnqueuer(ctx, dispatcher.Deliver, zerolog.Nop())
	dispatcher.SetEnqueuer(async)
	f.svc = NewService(Deps{
		Registry: f.reg,
		Store:    f.store,
		Rejected: f.store,
		Ranker:   f.ranker,
		Ledger:   f.ledger,
		Notifier: dispatcher,
		Logger:   zerolog.Nop(),
	})

	m := f.create(t, d, r)
	async.Wait()

	stored, err := notes.ListByMatch(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	delivered := map[notification.Party]bool{}
	for _, n := range stored {
		delivered[n.Party] = n.Delivered
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(stored))
	}
	if !delivered[notification.PartyRecipient] || !delivered[notification.PartyDonor] {
		t.Errorf("expected recipient and donor delivered, got %v", delivered)
	}
	if delivered[notification.PartyRecipientHospital] {
		t.Error("expected the recipient hospital to stay undelivered")
	}
}
