package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

func TestMemoryStore_TransitionChecksCurrentState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := &Match{DonorID: uuid.New(), RecipientID: uuid.New(), Organ: registry.OrganHeart, CreatedBy: "c"}
	if err := s.Create(ctx, m); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Transition(ctx, m.ID, StateAccepted, StateCompleted, "x", "", time.Now()); !errors.Is(err, sentinel.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for stale from-state, got %v", err)
	}
	if _, err := s.Transition(ctx, m.ID, StatePending, StateCompleted, "x", "", time.Now()); !errors.Is(err, sentinel.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for illegal move, got %v", err)
	}
	if _, err := s.Transition(ctx, uuid.New(), StatePending, StateAccepted, "x", "", time.Now()); !errors.Is(err, sentinel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := s.Transition(ctx, m.ID, StatePending, StateRejected, "x", "why", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got.RejectedBy != "x" || got.RejectReason != "why" || got.RejectedAt == nil {
		t.Errorf("unexpected match %+v", got)
	}

	// Terminal state frees both sides.
	again := &Match{DonorID: m.DonorID, RecipientID: m.RecipientID, Organ: registry.OrganHeart}
	if err := s.Create(ctx, again); err != nil {
		t.Errorf("expected rebind after rejection, got %v", err)
	}
}

func TestMemoryStore_RejectedPairsInsertIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := RejectedPair{DonorID: uuid.New(), RecipientID: uuid.New(), Organ: registry.OrganLung, MatchID: uuid.New()}

	added, err := s.Record(ctx, p)
	if err != nil || !added {
		t.Fatalf("expected added, got %v %v", added, err)
	}
	added, _ = s.Record(ctx, p)
	if added {
		t.Error("duplicate triple must not be added")
	}
	donors, _ := s.RejectedDonors(ctx, p.RecipientID, registry.OrganLung)
	if !donors[p.DonorID] || len(donors) != 1 {
		t.Errorf("unexpected rejected donors %v", donors)
	}
	recipients, _ := s.RejectedRecipients(ctx, p.DonorID, registry.OrganKidney)
	if len(recipients) != 0 {
		t.Error("rejection is organ specific")
	}
}

func TestMatchState(t *testing.T) {
	if !StatePending.Active() || !StateAccepted.Active() || StateRejected.Active() || StateCompleted.Active() {
		t.Error("unexpected Active results")
	}
	if !StateRejected.Terminal() || !StateCompleted.Terminal() || StatePending.Terminal() {
		t.Error("unexpected Terminal results")
	}
	legal := [][2]MatchState{
		{StatePending, StateAccepted}, {StatePending, StateRejected},
		{StateAccepted, StateCompleted}, {StateAccepted, StateRejected},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	for _, from := range []MatchState{StateRejected, StateCompleted} {
		for _, to := range []MatchState{StatePending, StateAccepted, StateRejected, StateCompleted} {
			if CanTransition(from, to) {
				t.Errorf("%s -> %s should be illegal", from, to)
			}
		}
	}
}
