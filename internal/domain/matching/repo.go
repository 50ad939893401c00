package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
)

// Store persists matches and their transition history. It is the only
// writer of match state and enforces the single-active-match rule itself.
type Store interface {
	// Create inserts m as pending and records the creation transition. It
	// fails with sentinel.ErrConflict when the donor organ or the recipient
	// is already bound to an active match.
	Create(ctx context.Context, m *Match) error
	Get(ctx context.Context, id uuid.UUID) (*Match, error)
	// Transition moves the match to state to only if it is currently in
	// from, recording the transition. Any other current state yields
	// sentinel.ErrInvalidState.
	Transition(ctx context.Context, id uuid.UUID, from, to MatchState, actor, reason string, at time.Time) (*Match, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Match, int, error)
	History(ctx context.Context, id uuid.UUID) ([]*MatchTransition, error)
	ActiveBindings(ctx context.Context, organ registry.OrganType) (Bindings, error)
}

// RejectedPairLedger is the permanent record of declined pairings.
type RejectedPairLedger interface {
	// Record stores p unless the triple is already present and reports
	// whether it was added.
	Record(ctx context.Context, p RejectedPair) (bool, error)
	Contains(ctx context.Context, donorID, recipientID uuid.UUID, organ registry.OrganType) (bool, error)
	// RejectedDonors returns the donors the recipient may not be paired
	// with again for organ.
	RejectedDonors(ctx context.Context, recipientID uuid.UUID, organ registry.OrganType) (map[uuid.UUID]bool, error)
	// RejectedRecipients returns the recipients the donor organ may not be
	// offered to again.
	RejectedRecipients(ctx context.Context, donorID uuid.UUID, organ registry.OrganType) (map[uuid.UUID]bool, error)
}
