package emergency

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/matching"
	"github.com/organmatch/organmatch/internal/domain/registry"
)

// Boosts holds the additive ranking boosts. Missing entries count as zero.
type Boosts struct {
	Urgency   map[registry.Urgency]float64
	Elevation map[Level]float64
}

// DefaultBoosts returns the stock boost table.
func DefaultBoosts() Boosts {
	return Boosts{
		Urgency: map[registry.Urgency]float64{
			registry.UrgencyUrgent:   8,
			registry.UrgencyCritical: 15,
		},
		Elevation: map[Level]float64{
			LevelLow:      2,
			LevelMedium:   5,
			LevelHigh:     10,
			LevelCritical: 15,
		},
	}
}

// Resolver turns urgency and active elevations into one ranking boost per
// recipient. The boost only orders candidates; it never changes a score.
type Resolver struct {
	repo   Repository
	boosts Boosts
	logger zerolog.Logger
}

func NewResolver(repo Repository, boosts Boosts, logger zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, boosts: boosts, logger: logger}
}

// Boost returns the boost for r at now.
func (r *Resolver) Boost(ctx context.Context, rec *registry.Recipient, now time.Time) (float64, error) {
	elevations, err := r.repo.ForOrgan(ctx, rec.OrganNeeded)
	if err != nil {
		return 0, err
	}
	return r.boost(rec, elevations, now), nil
}

// Boosts loads the organ's elevations once and returns a BoostFunc for a
// whole ranking pass.
func (r *Resolver) Boosts(ctx context.Context, organ registry.OrganType, at time.Time) (matching.BoostFunc, error) {
	elevations, err := r.repo.ForOrgan(ctx, organ)
	if err != nil {
		return nil, err
	}
	active := elevations[:0]
	for _, e := range elevations {
		if e.Active(at) {
			active = append(active, e)
		}
	}
	if len(active) > 0 {
		r.logger.Debug().Str("organ", string(organ)).Int("elevations", len(active)).Msg("emergency elevations in force")
	}
	return func(rec *registry.Recipient) float64 {
		return r.boost(rec, active, at)
	}, nil
}

func (r *Resolver) boost(rec *registry.Recipient, elevations []*Elevation, at time.Time) float64 {
	total := r.boosts.Urgency[rec.Urgency]
	var best float64
	for _, e := range elevations {
		if !e.Active(at) || !e.Covers(rec.OrganNeeded, rec.Region) {
			continue
		}
		if b := r.boosts.Elevation[e.Level]; b > best {
			best = b
		}
	}
	return total + best
}

var _ matching.Booster = (*Resolver)(nil)
