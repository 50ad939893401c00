package matching

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/ledger"
)

func TestSubscriber_AppliesLedgerActions(t *testing.T) {
	f := newFixture(t, DefaultRankerConfig, nil)
	d := f.donor(t, registry.BloodONeg, 40)
	r := f.recipient(t, registry.BloodONeg, 40)
	m := f.create(t, d, r)
	ctx := context.Background()

	NewSubscriber(f.svc, zerolog.Nop()).Register(f.ledger)

	// The same request twice: redelivery must be harmless.
	for i := 0; i < 2; i++ {
		if _, err := f.ledger.Append(ctx, ledger.EventMatchAcceptRequested, ledger.ActionRequest{MatchID: m.ID, Actor: "chain"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.ledger.DeliverPending(ctx); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, _ := f.svc.Get(ctx, m.ID)
	if got.State != StateAccepted || got.AcceptedBy != "chain" {
		t.Fatalf("expected accepted by chain, got %+v", got)
	}

	if _, err := f.ledger.Append(ctx, ledger.EventMatchRejectRequested, ledger.ActionRequest{MatchID: m.ID, Actor: "chain", Reason: "withdrawn"}); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.DeliverPending(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.svc.Get(ctx, m.ID)
	if got.State != StateRejected || got.RejectReason != "withdrawn" {
		t.Errorf("expected rejected, got %+v", got)
	}

	facts, _ := f.ledger.List(ctx, ledger.EventMatchAccepted, 0, 10)
	if len(facts) != 1 {
		t.Errorf("expected one MatchAccepted fact, got %d", len(facts))
	}
}

func TestSubscriber_AcknowledgesImpossibleActions(t *testing.T) {
	f := newFixture(t, DefaultRankerConfig, nil)
	s := NewSubscriber(f.svc, zerolog.Nop())
	ctx := context.Background()

	unknown, _ := f.ledger.Append(ctx, ledger.EventMatchAcceptRequested, ledger.ActionRequest{MatchID: uuid.New(), Actor: "chain"})
	if err := s.Handle(ctx, unknown); err != nil {
		t.Errorf("unknown match should be acknowledged, got %v", err)
	}
	garbage, _ := f.ledger.Append(ctx, ledger.EventMatchRejectRequested, []byte(`"not an object"`))
	if err := s.Handle(ctx, garbage); err != nil {
		t.Errorf("undecodable payload should be acknowledged, got %v", err)
	}
}
