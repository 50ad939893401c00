package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/ledger"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// SubscriptionName is the durable ledger cursor of the action subscriber.
const SubscriptionName = "matching.actions"

// Subscriber applies accept/reject actions that arrive through the ledger.
type Subscriber struct {
	svc    *Service
	logger zerolog.Logger
}

func NewSubscriber(svc *Service, logger zerolog.Logger) *Subscriber {
	return &Subscriber{svc: svc, logger: logger}
}

// Register subscribes to inbound action events.
func (s *Subscriber) Register(l *ledger.Ledger) {
	l.Subscribe(SubscriptionName, s.Handle, ledger.EventMatchAcceptRequested, ledger.EventMatchRejectRequested)
}

// Handle applies one action. Actions that can never succeed (unknown match,
// illegal transition, malformed payload) are logged and acknowledged; any
// other error is returned so the ledger redelivers the event. Redelivery is
// safe because accept and reject are idempotent per actor.
func (s *Subscriber) Handle(ctx context.Context, ev ledger.Event) error {
	var req ledger.ActionRequest
	if err := ev.Decode(&req); err != nil {
		s.logger.Warn().Err(err).Uint64("seq", ev.Seq).Msg("dropping undecodable action")
		return nil
	}
	var err error
	switch ev.Type {
	case ledger.EventMatchAcceptRequested:
		_, err = s.svc.Accept(ctx, req.MatchID, req.Actor)
	case ledger.EventMatchRejectRequested:
		_, err = s.svc.Reject(ctx, req.MatchID, req.Actor, req.Reason)
	default:
		return nil
	}
	if err == nil {
		return nil
	}
	if permanent(err) {
		s.logger.Warn().Err(err).
			Str("event_type", string(ev.Type)).
			Str("match_id", req.MatchID.String()).
			Uint64("seq", ev.Seq).
			Msg("ledger action refused")
		return nil
	}
	return fmt.Errorf("apply %s for match %s: %w", ev.Type, req.MatchID, err)
}

func permanent(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound) ||
		errors.Is(err, sentinel.ErrInvalidState) ||
		errors.Is(err, sentinel.ErrValidation) ||
		errors.Is(err, sentinel.ErrConflict)
}
