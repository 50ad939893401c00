package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/metrics"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// BoostFunc returns the ranking boost of one recipient.
type BoostFunc func(r *registry.Recipient) float64

// Booster supplies priority boosts for one organ as of a point in time.
// Boosts affect ordering only, never the stored score.
type Booster interface {
	Boosts(ctx context.Context, organ registry.OrganType, at time.Time) (BoostFunc, error)
}

// NoBoost ranks purely on compatibility.
type NoBoost struct{}

func (NoBoost) Boosts(context.Context, registry.OrganType, time.Time) (BoostFunc, error) {
	return func(*registry.Recipient) float64 { return 0 }, nil
}

// RankerConfig tunes the ranker. Zero values fall back to defaults.
type RankerConfig struct {
	MinScore      float64
	TopN          int
	MaxDistanceKM float64
	Workers       int
}

// DefaultRankerConfig keeps the top five candidates scoring 70 or more.
var DefaultRankerConfig = RankerConfig{MinScore: 70, TopN: 5, Workers: 8}

func (c RankerConfig) withDefaults() RankerConfig {
	if c.TopN <= 0 {
		c.TopN = DefaultRankerConfig.TopN
	}
	if c.Workers <= 0 {
		c.Workers = DefaultRankerConfig.Workers
	}
	if c.MinScore < 0 {
		c.MinScore = 0
	}
	return c
}

// Ranker builds ordered candidate lists from the registry.
type Ranker struct {
	reg      registry.Registry
	matches  Store
	rejected RejectedPairLedger
	booster  Booster
	cfg      RankerConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRanker(reg registry.Registry, matches Store, rejected RejectedPairLedger, booster Booster, cfg RankerConfig, logger zerolog.Logger, m *metrics.Metrics) *Ranker {
	if booster == nil {
		booster = NoBoost{}
	}
	return &Ranker{
		reg:      reg,
		matches:  matches,
		rejected: rejected,
		booster:  booster,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective configuration.
func (rk *Ranker) Config() RankerConfig {
	return rk.cfg
}

type pair struct {
	donor     *registry.Donor
	recipient *registry.Recipient
}

// RankForRecipient searches available donors for the recipient's organ. A
// recipient that is not waiting or is already bound gets an empty ranking.
func (rk *Ranker) RankForRecipient(ctx context.Context, recipientID uuid.UUID) (*Ranking, error) {
	r, err := rk.reg.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateRecipient(r); err != nil {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, err)
	}
	organ := r.OrganNeeded
	ranking := &Ranking{Organ: organ, Candidates: []Candidate{}}
	if r.Status != registry.RecipientWaiting {
		return ranking, nil
	}
	bindings, err := rk.matches.ActiveBindings(ctx, organ)
	if err != nil {
		return nil, fmt.Errorf("load active matches: %w", err)
	}
	if bindings.Recipients[r.ID] {
		return ranking, nil
	}
	rejected, err := rk.rejected.RejectedDonors(ctx, r.ID, organ)
	if err != nil {
		return nil, fmt.Errorf("load rejected pairs: %w", err)
	}
	donors, err := rk.reg.ListAvailableDonors(ctx, organ)
	if err != nil {
		return nil, fmt.Errorf("list donors for %s: %w", organ, err)
	}

	var pairs []pair
	for _, d := range donors {
		ranking.Considered++
		if err := registry.ValidateDonor(d); err != nil {
			rk.skip(ranking, "donor", d.ID, err)
			continue
		}
		if !BloodCompatible(d.BloodType, r.BloodType) || rejected[d.ID] || bindings.Donors[d.ID] {
			continue
		}
		pairs = append(pairs, pair{donor: d, recipient: r})
	}
	return rk.finish(ctx, ranking, organ, pairs)
}

// RankForDonor searches waiting recipients for one available organ of the
// donor.
func (rk *Ranker) RankForDonor(ctx context.Context, donorID uuid.UUID, organ registry.OrganType) (*Ranking, error) {
	if !registry.ValidOrgan(organ) {
		return nil, fmt.Errorf("unknown organ %q: %w", organ, sentinel.ErrValidation)
	}
	d, err := rk.reg.GetDonor(ctx, donorID)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateDonor(d); err != nil {
		return nil, fmt.Errorf("donor %s: %w", donorID, err)
	}
	ranking := &Ranking{Organ: organ, Candidates: []Candidate{}}
	if o, ok := d.Organ(organ); !ok || o.Status != registry.OrganAvailable {
		return ranking, nil
	}
	bindings, err := rk.matches.ActiveBindings(ctx, organ)
	if err != nil {
		return nil, fmt.Errorf("load active matches: %w", err)
	}
	if bindings.Donors[d.ID] {
		return ranking, nil
	}
	rejected, err := rk.rejected.RejectedRecipients(ctx, d.ID, organ)
	if err != nil {
		return nil, fmt.Errorf("load rejected pairs: %w", err)
	}
	recipients, err := rk.reg.ListPendingRecipients(ctx, organ)
	if err != nil {
		return nil, fmt.Errorf("list recipients for %s: %w", organ, err)
	}

	var pairs []pair
	for _, r := range recipients {
		ranking.Considered++
		if err := registry.ValidateRecipient(r); err != nil {
			rk.skip(ranking, "recipient", r.ID, err)
			continue
		}
		if !BloodCompatible(d.BloodType, r.BloodType) || rejected[r.ID] || bindings.Recipients[r.ID] {
			continue
		}
		pairs = append(pairs, pair{donor: d, recipient: r})
	}
	return rk.finish(ctx, ranking, organ, pairs)
}

func (rk *Ranker) skip(ranking *Ranking, kind string, id uuid.UUID, err error) {
	rk.logger.Warn().Str("kind", kind).Str("id", id.String()).Err(err).Msg("skipping malformed record")
	ranking.Skipped = append(ranking.Skipped, Skip{Kind: kind, ID: id, Reason: err.Error()})
}

// finish scores pairs in parallel, applies boosts, orders and truncates.
func (rk *Ranker) finish(ctx context.Context, ranking *Ranking, organ registry.OrganType, pairs []pair) (*Ranking, error) {
	start := time.Now()
	boost, err := rk.booster.Boosts(ctx, organ, rk.now())
	if err != nil {
		return nil, fmt.Errorf("resolve priority boosts: %w", err)
	}

	results := make([]*Candidate, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rk.cfg.Workers)
	for i := range pairs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = rk.evaluate(pairs[i], boost)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("score candidates: %w", err)
	}

	for _, c := range results {
		if c != nil {
			ranking.Candidates = append(ranking.Candidates, *c)
		}
	}
	sortCandidates(ranking.Candidates)
	if len(ranking.Candidates) > rk.cfg.TopN {
		ranking.Candidates = ranking.Candidates[:rk.cfg.TopN]
	}
	rk.metrics.ObserveRanking(time.Since(start), len(pairs))
	return ranking, nil
}

// evaluate returns nil for pairs that do not qualify.
func (rk *Ranker) evaluate(p pair, boost BoostFunc) *Candidate {
	s := ScorePair(p.donor, p.recipient)
	if !Viable(s, rk.cfg.MinScore) {
		return nil
	}
	c := &Candidate{
		DonorID:      p.donor.ID,
		RecipientID:  p.recipient.ID,
		Organ:        p.recipient.OrganNeeded,
		Score:        s,
		Boost:        boost(p.recipient),
		Reputation:   Reputation(p.donor),
		RegisteredAt: p.recipient.RegisteredAt,
	}
	if km, ok := DistanceKM(p.donor, p.recipient); ok {
		if rk.cfg.MaxDistanceKM > 0 && km > rk.cfg.MaxDistanceKM {
			return nil
		}
		c.DistanceKM = &km
	}
	return c
}

// sortCandidates orders by boosted score, then donor reputation, then
// earliest recipient registration. Ids settle any remaining tie so the
// order is fully deterministic.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Boosted() != b.Boosted() {
			return a.Boosted() > b.Boosted()
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		if a.RecipientID != b.RecipientID {
			return a.RecipientID.String() < b.RecipientID.String()
		}
		return a.DonorID.String() < b.DonorID.String()
	})
}
