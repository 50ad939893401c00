// Package matching scores donor/recipient pairs, ranks candidates and owns
// the lifecycle of a match from proposal to completion.
package matching

import (
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
)

// MatchState is the lifecycle state of a Match.
type MatchState string

const (
	StatePending   MatchState = "pending"
	StateAccepted  MatchState = "accepted"
	StateRejected  MatchState = "rejected"
	StateCompleted MatchState = "completed"
)

// Active reports whether a match in state s binds its donor organ and
// recipient.
func (s MatchState) Active() bool {
	return s == StatePending || s == StateAccepted
}

// Terminal reports whether no further transition is possible.
func (s MatchState) Terminal() bool {
	return s == StateRejected || s == StateCompleted
}

func (s MatchState) Valid() bool {
	switch s {
	case StatePending, StateAccepted, StateRejected, StateCompleted:
		return true
	}
	return false
}

var transitions = map[MatchState][]MatchState{
	StatePending:  {StateAccepted, StateRejected},
	StateAccepted: {StateCompleted, StateRejected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to MatchState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Match maps to the match table. Score is the compatibility score at
// creation time and never includes a priority boost.
type Match struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	DonorID      uuid.UUID          `db:"donor_id" json:"donor_id"`
	RecipientID  uuid.UUID          `db:"recipient_id" json:"recipient_id"`
	Organ        registry.OrganType `db:"organ" json:"organ"`
	Score        float64            `db:"score" json:"score"`
	Breakdown    Breakdown          `json:"breakdown"`
	State        MatchState         `db:"state" json:"state"`
	CreatedBy    string             `db:"created_by" json:"created_by"`
	AcceptedBy   string             `db:"accepted_by" json:"accepted_by,omitempty"`
	RejectedBy   string             `db:"rejected_by" json:"rejected_by,omitempty"`
	CompletedBy  string             `db:"completed_by" json:"completed_by,omitempty"`
	RejectReason string             `db:"reject_reason" json:"reject_reason,omitempty"`
	CreatedAt    time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at" json:"updated_at"`
	AcceptedAt   *time.Time         `db:"accepted_at" json:"accepted_at,omitempty"`
	RejectedAt   *time.Time         `db:"rejected_at" json:"rejected_at,omitempty"`
	CompletedAt  *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
}

// actorFor returns who moved the match into state s.
func (m *Match) actorFor(s MatchState) string {
	switch s {
	case StateAccepted:
		return m.AcceptedBy
	case StateRejected:
		return m.RejectedBy
	case StateCompleted:
		return m.CompletedBy
	}
	return m.CreatedBy
}

// apply stamps the transition fields for state to.
func (m *Match) apply(to MatchState, actor, reason string, at time.Time) {
	m.State = to
	m.UpdatedAt = at
	t := at
	switch to {
	case StateAccepted:
		m.AcceptedBy, m.AcceptedAt = actor, &t
	case StateRejected:
		m.RejectedBy, m.RejectedAt, m.RejectReason = actor, &t, reason
	case StateCompleted:
		m.CompletedBy, m.CompletedAt = actor, &t
	}
}

// MatchTransition maps to the match_transition table. Creation is recorded
// with an empty From.
type MatchTransition struct {
	ID      uuid.UUID  `db:"id" json:"id"`
	MatchID uuid.UUID  `db:"match_id" json:"match_id"`
	From    MatchState `db:"from_state" json:"from,omitempty"`
	To      MatchState `db:"to_state" json:"to"`
	Actor   string     `db:"actor" json:"actor"`
	Reason  string     `db:"reason" json:"reason,omitempty"`
	At      time.Time  `db:"at" json:"at"`
}

// RejectedPair maps to the rejected_pair table. A recorded triple is never
// proposed again.
type RejectedPair struct {
	DonorID     uuid.UUID          `db:"donor_id" json:"donor_id"`
	RecipientID uuid.UUID          `db:"recipient_id" json:"recipient_id"`
	Organ       registry.OrganType `db:"organ" json:"organ"`
	MatchID     uuid.UUID          `db:"match_id" json:"match_id"`
	Reason      string             `db:"reason" json:"reason,omitempty"`
	RejectedAt  time.Time          `db:"rejected_at" json:"rejected_at"`
}

// Candidate is a scored, not yet persisted pairing produced by the ranker.
type Candidate struct {
	DonorID      uuid.UUID          `json:"donor_id"`
	RecipientID  uuid.UUID          `json:"recipient_id"`
	Organ        registry.OrganType `json:"organ"`
	Score        Score              `json:"score"`
	Boost        float64            `json:"boost"`
	Reputation   float64            `json:"reputation"`
	DistanceKM   *float64           `json:"distance_km,omitempty"`
	RegisteredAt time.Time          `json:"recipient_registered_at"`
}

// Boosted is the ordering score: compatibility plus priority boost.
func (c Candidate) Boosted() float64 {
	return c.Score.Total + c.Boost
}

// Skip records a record left out of a ranking pass and why.
type Skip struct {
	Kind   string    `json:"kind"`
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

// Ranking is the output of one ranking pass.
type Ranking struct {
	Organ      registry.OrganType `json:"organ"`
	Considered int                `json:"considered"`
	Candidates []Candidate        `json:"candidates"`
	Skipped    []Skip             `json:"skipped,omitempty"`
}

// Filter narrows match listings.
type Filter struct {
	State       MatchState
	DonorID     uuid.UUID
	RecipientID uuid.UUID
	Organ       registry.OrganType
}

// Bindings holds the donors and recipients tied to active matches for one
// organ.
type Bindings struct {
	Donors     map[uuid.UUID]bool
	Recipients map[uuid.UUID]bool
}

func DonorLockKey(donorID uuid.UUID, organ registry.OrganType) string {
	return "donor:" + donorID.String() + ":" + string(organ)
}

func RecipientLockKey(recipientID uuid.UUID) string {
	return "recipient:" + recipientID.String()
}
