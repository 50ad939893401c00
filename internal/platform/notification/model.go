// Package notification fans match events out to the affected parties and
// delivers them at least once with bounded retries.
package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Parties and events
// ---------------------------------------------------------------------------

// Party is one of the four audiences of a match notification.
type Party string

const (
	PartyRecipient         Party = "recipient"
	PartyDonor             Party = "donor"
	PartyRecipientHospital Party = "recipient_hospital"
	PartyDonorHospital     Party = "donor_hospital"
)

// Parties lists every party in dispatch order.
var Parties = []Party{PartyRecipient, PartyDonor, PartyRecipientHospital, PartyDonorHospital}

// Event is the match lifecycle event a notification reports.
type Event string

const (
	EventMatchFound     Event = "match_found"
	EventMatchAccepted  Event = "match_accepted"
	EventMatchRejected  Event = "match_rejected"
	EventMatchCompleted Event = "match_completed"
)

// MatchEvent is what the lifecycle manager hands to the dispatcher.
type MatchEvent struct {
	Event       Event     `json:"event"`
	MatchID     uuid.UUID `json:"match_id"`
	DonorID     uuid.UUID `json:"donor_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Organ       string    `json:"organ"`
	Score       float64   `json:"score"`
	State       string    `json:"state"`
	Actor       string    `json:"actor,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Notification maps to the notification table. One row exists per
// (match, event, party).
type Notification struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	MatchID     uuid.UUID       `db:"match_id" json:"match_id"`
	Event       Event           `db:"event" json:"event"`
	Party       Party           `db:"party" json:"party"`
	PartyID     string          `db:"party_id" json:"party_id"`
	Address     string          `db:"address" json:"address"`
	Subject     string          `db:"subject" json:"subject"`
	Body        string          `db:"body" json:"body"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Delivered   bool            `db:"delivered" json:"delivered"`
	Attempts    int             `db:"attempts" json:"attempts"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	Read        bool            `db:"read" json:"read"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	DeliveredAt *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt      *time.Time      `db:"read_at" json:"read_at,omitempty"`
}

// DedupeKey identifies the notification for consumers and for the store's
// insert-if-absent check.
func (n *Notification) DedupeKey() string {
	return DedupeKey(n.MatchID, n.Event, n.Party)
}

func DedupeKey(matchID uuid.UUID, event Event, party Party) string {
	return fmt.Sprintf("%s:%s:%s", matchID, event, party)
}

// Status summarizes delivery state for the inbox.
func (n *Notification) Status() string {
	switch {
	case n.Delivered:
		return "delivered"
	case n.Attempts == 0:
		return "pending"
	default:
		return "failed"
	}
}

// Stats counts notifications by state.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Read      int `json:"read"`
}

// InboxTopic is the websocket topic a party listens on.
func InboxTopic(kind, id string) string {
	return kind + ":" + id
}
