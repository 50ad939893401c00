package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/db"
	"github.com/organmatch/organmatch/internal/platform/ledger"
	"github.com/organmatch/organmatch/internal/platform/lock"
	"github.com/organmatch/organmatch/internal/platform/metrics"
	"github.com/organmatch/organmatch/internal/platform/notification"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// Notifier fans a match event out to the affected parties.
type Notifier interface {
	Dispatch(ctx context.Context, ev notification.MatchEvent) ([]*notification.Notification, error)
}

// CreateRequest names the pairing to propose. The score is always
// recomputed from current registry records.
type CreateRequest struct {
	DonorID     uuid.UUID          `json:"donor_id"`
	RecipientID uuid.UUID          `json:"recipient_id"`
	Organ       registry.OrganType `json:"organ"`
	Actor       string             `json:"-"`
}

// Rejection is the outcome of Reject: the rejected match and the matches
// that re-paired the released recipient and the released organ.
type Rejection struct {
	Match            *Match `json:"match"`
	Replacement      *Match `json:"replacement,omitempty"`
	OrganReplacement *Match `json:"organ_replacement,omitempty"`
}

// Deps groups the collaborators of Service.
type Deps struct {
	Registry registry.Registry
	Store    Store
	Rejected RejectedPairLedger
	Ranker   *Ranker
	Locker   lock.Locker
	Tx       db.TxRunner
	Ledger   ledger.Appender
	Notifier Notifier
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Service is the match lifecycle manager. It is the only component that
// changes match state.
type Service struct {
	reg      registry.Registry
	store    Store
	rejected RejectedPairLedger
	ranker   *Ranker
	locker   lock.Locker
	tx       db.TxRunner
	ledger   ledger.Appender
	notifier Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		reg:      d.Registry,
		store:    d.Store,
		rejected: d.Rejected,
		ranker:   d.Ranker,
		locker:   d.Locker,
		tx:       d.Tx,
		ledger:   d.Ledger,
		notifier: d.Notifier,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.tx == nil {
		s.tx = db.NoTx{}
	}
	return s
}

func (s *Service) Ranker() *Ranker {
	return s.ranker
}

func (s *Service) MinScore() float64 {
	return s.ranker.Config().MinScore
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Match, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Match, int, error) {
	return s.store.List(ctx, f, limit, offset)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*MatchTransition, error) {
	return s.store.History(ctx, id)
}

func (s *Service) lockMatch(ctx context.Context, donorID, recipientID uuid.UUID, organ registry.OrganType) (func(), error) {
	release, err := s.locker.Lock(ctx, DonorLockKey(donorID, organ), RecipientLockKey(recipientID))
	if err != nil {
		return nil, fmt.Errorf("lock match participants: %w", err)
	}
	return release, nil
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// Create proposes a pending match. Availability of the organ, the waiting
// status of the recipient, the rejected-pair ledger and the score threshold
// are all re-checked under the participants' locks; the store then rejects
// any match that would double-book either side.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Match, error) {
	if req.DonorID == uuid.Nil {
		return nil, fmt.Errorf("donor_id is required: %w", sentinel.ErrValidation)
	}
	if req.RecipientID == uuid.Nil {
		return nil, fmt.Errorf("recipient_id is required: %w", sentinel.ErrValidation)
	}
	if !registry.ValidOrgan(req.Organ) {
		return nil, fmt.Errorf("unknown organ %q: %w", req.Organ, sentinel.ErrValidation)
	}

	release, err := s.lockMatch(ctx, req.DonorID, req.RecipientID, req.Organ)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.reg.GetDonor(ctx, req.DonorID)
	if err != nil {
		return nil, err
	}
	r, err := s.reg.GetRecipient(ctx, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if r.OrganNeeded != req.Organ {
		return nil, fmt.Errorf("recipient %s needs %s, not %s: %w", r.ID, r.OrganNeeded, req.Organ, sentinel.ErrValidation)
	}
	if o, ok := d.Organ(req.Organ); !ok || o.Status != registry.OrganAvailable {
		s.metrics.IncConflict()
		return nil, fmt.Errorf("donor %s %s is not available: %w", d.ID, req.Organ, sentinel.ErrConflict)
	}
	if r.Status != registry.RecipientWaiting {
		s.metrics.IncConflict()
		return nil, fmt.Errorf("recipient %s is %s: %w", r.ID, r.Status, sentinel.ErrConflict)
	}
	rejected, err := s.rejected.Contains(ctx, d.ID, r.ID, req.Organ)
	if err != nil {
		return nil, err
	}
	if rejected {
		return nil, fmt.Errorf("pair %s/%s/%s was rejected before: %w", d.ID, r.ID, req.Organ, sentinel.ErrConflict)
	}
	score := ScorePair(d, r)
	if !Viable(score, s.MinScore()) {
		return nil, fmt.Errorf("score %.0f is below the minimum %.0f: %w", score.Total, s.MinScore(), sentinel.ErrValidation)
	}

	m := &Match{
		DonorID:     d.ID,
		RecipientID: r.ID,
		Organ:       req.Organ,
		Score:       score.Total,
		Breakdown:   score.Breakdown,
		CreatedBy:   req.Actor,
		CreatedAt:   s.now(),
	}
	if err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.Create(ctx, m)
	}); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncConflict()
		}
		return nil, err
	}

	s.metrics.IncMatchCreated(string(m.Organ))
	s.metrics.IncTransition(string(StatePending))
	s.logger.Info().Str("match_id", m.ID.String()).Str("donor_id", m.DonorID.String()).
		Str("recipient_id", m.RecipientID.String()).Str("organ", string(m.Organ)).
		Float64("score", m.Score).Msg("match created")
	s.publish(ctx, ledger.EventMatchFound, notification.EventMatchFound, m, req.Actor, "")
	return m, nil
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// idempotent reports whether m already sits in state to by the same actor,
// in which case a retried call returns it unchanged.
func idempotent(m *Match, to MatchState, actor string) bool {
	return m.State == to && m.actorFor(to) == actor
}

// Accept binds the donor organ and the recipient to the match.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, actor string) (*Match, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required: %w", sentinel.ErrValidation)
	}
	m, err := s.transition(ctx, id, StateAccepted, actor, "", func(ctx context.Context, m *Match) error {
		if err := s.reg.SetOrganStatus(ctx, m.DonorID, m.Organ, registry.OrganClaimed); err != nil {
			return err
		}
		return s.reg.SetRecipientStatus(ctx, m.RecipientID, registry.RecipientMatched)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Reject ends the match, records the pair as permanently declined and
// releases both sides. The released recipient is ranked again and, when a
// candidate remains, paired with the best one; the released organ then goes
// the same way among the waiting recipients.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*Rejection, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required: %w", sentinel.ErrValidation)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == StateAccepted && reason == "" {
		return nil, fmt.Errorf("reason is required to withdraw an accepted match: %w", sentinel.ErrValidation)
	}

	fresh := false
	m, err := s.transition(ctx, id, StateRejected, actor, reason, func(ctx context.Context, m *Match) error {
		fresh = true
		if _, err := s.rejected.Record(ctx, RejectedPair{
			DonorID:     m.DonorID,
			RecipientID: m.RecipientID,
			Organ:       m.Organ,
			MatchID:     m.ID,
			Reason:      reason,
			RejectedAt:  s.now(),
		}); err != nil {
			return fmt.Errorf("record rejected pair: %w", err)
		}
		if err := s.reg.SetOrganStatus(ctx, m.DonorID, m.Organ, registry.OrganAvailable); err != nil {
			return err
		}
		return s.reg.SetRecipientStatus(ctx, m.RecipientID, registry.RecipientWaiting)
	})
	if err != nil {
		return nil, err
	}
	out := &Rejection{Match: m}
	if fresh {
		out.Replacement = s.rematch(ctx, m.RecipientID, actor)
		if out.Replacement == nil || out.Replacement.DonorID != m.DonorID || out.Replacement.Organ != m.Organ {
			out.OrganReplacement = s.rematchOrgan(ctx, m.DonorID, m.Organ, actor)
		}
	}
	return out, nil
}

// Complete records the transplant: the organ is donated and the recipient
// transplanted.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor string) (*Match, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required: %w", sentinel.ErrValidation)
	}
	return s.transition(ctx, id, StateCompleted, actor, "", func(ctx context.Context, m *Match) error {
		if err := s.reg.SetOrganStatus(ctx, m.DonorID, m.Organ, registry.OrganDonated); err != nil {
			return err
		}
		return s.reg.SetRecipientStatus(ctx, m.RecipientID, registry.RecipientTransplanted)
	})
}

// transition runs one state change under the participants' locks. The
// store update and the registry side effects in after share a transaction.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to MatchState, actor, reason string, after func(ctx context.Context, m *Match) error) (*Match, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if idempotent(m, to, actor) {
		return m, nil
	}

	release, err := s.lockMatch(ctx, m.DonorID, m.RecipientID, m.Organ)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; another caller may have moved it.
	m, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if idempotent(m, to, actor) {
		return m, nil
	}
	if !CanTransition(m.State, to) {
		return nil, fmt.Errorf("match %s is %s and cannot become %s: %w", id, m.State, to, sentinel.ErrInvalidState)
	}

	from := m.State
	var updated *Match
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.store.Transition(ctx, id, from, to, actor, reason, s.now())
		if err != nil {
			return err
		}
		return after(ctx, updated)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			if cur, gerr := s.store.Get(ctx, id); gerr == nil && idempotent(cur, to, actor) {
				return cur, nil
			}
		}
		return nil, err
	}

	s.metrics.IncTransition(string(to))
	s.logger.Info().Str("match_id", id.String()).Str("from", string(from)).Str("to", string(to)).
		Str("actor", actor).Msg("match transition")

	facts := map[MatchState]struct {
		fact  ledger.EventType
		event notification.Event
	}{
		StateAccepted:  {ledger.EventMatchAccepted, notification.EventMatchAccepted},
		StateRejected:  {ledger.EventMatchRejected, notification.EventMatchRejected},
		StateCompleted: {ledger.EventMatchCompleted, notification.EventMatchCompleted},
	}
	f := facts[to]
	s.publish(ctx, f.fact, f.event, updated, actor, reason)
	return updated, nil
}

// rematch pairs a released recipient with the best remaining candidate.
// Failures are logged; the rejection itself already succeeded.
func (s *Service) rematch(ctx context.Context, recipientID uuid.UUID, actor string) *Match {
	m, _, err := s.MatchRecipient(ctx, recipientID, actor)
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient_id", recipientID.String()).Msg("re-ranking after rejection failed")
		return nil
	}
	return m
}

func (s *Service) rematchOrgan(ctx context.Context, donorID uuid.UUID, organ registry.OrganType, actor string) *Match {
	m, _, err := s.MatchDonorOrgan(ctx, donorID, organ, actor)
	if err != nil {
		s.logger.Warn().Err(err).Str("donor_id", donorID.String()).Str("organ", string(organ)).Msg("re-ranking released organ failed")
		return nil
	}
	return m
}

// MatchDonorOrgan ranks waiting recipients for one organ of the donor and
// creates a match with the first candidate that can still be created. It
// returns a nil match when no candidate remains or the organ is gone.
func (s *Service) MatchDonorOrgan(ctx context.Context, donorID uuid.UUID, organ registry.OrganType, actor string) (*Match, *Ranking, error) {
	ranking, err := s.ranker.RankForDonor(ctx, donorID, organ)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range ranking.Candidates {
		m, err := s.Create(ctx, CreateRequest{DonorID: donorID, RecipientID: c.RecipientID, Organ: organ, Actor: actor})
		if err == nil {
			return m, ranking, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, ranking, err
		}
	}
	return nil, ranking, nil
}

// MatchRecipient ranks donors for the recipient and creates a match with the
// first candidate that can still be created. It returns a nil match when no
// candidate remains.
func (s *Service) MatchRecipient(ctx context.Context, recipientID uuid.UUID, actor string) (*Match, *Ranking, error) {
	ranking, err := s.ranker.RankForRecipient(ctx, recipientID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range ranking.Candidates {
		m, err := s.Create(ctx, CreateRequest{DonorID: c.DonorID, RecipientID: c.RecipientID, Organ: c.Organ, Actor: actor})
		if err == nil {
			return m, ranking, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, ranking, err
		}
		// The recipient itself got bound meanwhile; nothing left to do.
		if s.recipientBound(ctx, recipientID) {
			return nil, ranking, nil
		}
	}
	return nil, ranking, nil
}

func (s *Service) recipientBound(ctx context.Context, recipientID uuid.UUID) bool {
	items, _, err := s.store.List(ctx, Filter{RecipientID: recipientID}, 100, 0)
	if err != nil {
		return false
	}
	for _, m := range items {
		if m.State.Active() {
			return true
		}
	}
	return false
}

// publish appends the ledger fact and dispatches notifications. Neither
// failure affects the outcome of the operation that triggered it.
func (s *Service) publish(ctx context.Context, fact ledger.EventType, event notification.Event, m *Match, actor, reason string) {
	at := m.UpdatedAt
	if s.ledger != nil {
		if _, err := s.ledger.Append(ctx, fact, m); err != nil {
			s.logger.Error().Err(err).Str("match_id", m.ID.String()).Str("fact", string(fact)).Msg("ledger append failed")
		}
	}
	if s.notifier == nil {
		return
	}
	ev := notification.MatchEvent{
		Event:       event,
		MatchID:     m.ID,
		DonorID:     m.DonorID,
		RecipientID: m.RecipientID,
		Organ:       string(m.Organ),
		Score:       m.Score,
		State:       string(m.State),
		Actor:       actor,
		Reason:      reason,
		At:          at,
	}
	if _, err := s.notifier.Dispatch(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("match_id", m.ID.String()).Str("event", string(event)).Msg("notification dispatch incomplete")
	}
}
