package emergency

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/matching"
	"github.com/organmatch/organmatch/internal/domain/registry"
)

func TestResolver_Boost(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	add := func(organ registry.OrganType, region string, level Level, expires time.Time) {
		t.Helper()
		if err := repo.Create(ctx, &Elevation{Organ: organ, Region: region, Level: level, Reason: "r", ExpiresAt: expires}); err != nil {
			t.Fatal(err)
		}
	}
	add(registry.OrganKidney, "north", LevelMedium, testNow.Add(time.Hour))
	add(registry.OrganKidney, "", LevelLow, testNow.Add(time.Hour))
	add(registry.OrganKidney, "north", LevelCritical, testNow.Add(-time.Second))
	add(registry.OrganKidney, "south", LevelHigh, testNow.Add(time.Hour))
	add(registry.OrganHeart, "", LevelCritical, testNow.Add(time.Hour))

	r := NewResolver(repo, DefaultBoosts(), zerolog.Nop())
	tests := []struct {
		name    string
		urgency registry.Urgency
		region  string
		at      time.Time
		want    float64
	}{
		{"highest active regional elevation", registry.UrgencyNormal, "north", testNow, 5},
		{"global elevation only", registry.UrgencyNormal, "east", testNow, 2},
		{"urgency adds to elevation", registry.UrgencyCritical, "south", testNow, 25},
		{"urgent", registry.UrgencyUrgent, "east", testNow, 10},
		{"expired elevation ignored at read time", registry.UrgencyNormal, "north", testNow.Add(-time.Minute), 15},
		{"everything expired", registry.UrgencyNormal, "north", testNow.Add(2 * time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &registry.Recipient{OrganNeeded: registry.OrganKidney, Urgency: tt.urgency, Region: tt.region}
			got, err := r.Boost(ctx, rec, tt.at)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Boost = %v, want %v", got, tt.want)
			}
			fn, err := r.Boosts(ctx, registry.OrganKidney, tt.at)
			if err != nil {
				t.Fatal(err)
			}
			if b := fn(rec); b != got {
				t.Errorf("BoostFunc = %v, Boost = %v", b, got)
			}
		})
	}
}

func TestResolver_ZeroTable(t *testing.T) {
	repo := NewMemoryRepo()
	_ = repo.Create(context.Background(), &Elevation{Organ: registry.OrganLung, Level: LevelCritical, Reason: "r", ExpiresAt: testNow.Add(time.Hour)})
	r := NewResolver(repo, Boosts{}, zerolog.Nop())
	got, _ := r.Boost(context.Background(), &registry.Recipient{OrganNeeded: registry.OrganLung, Urgency: registry.UrgencyCritical}, testNow)
	if got != 0 {
		t.Errorf("empty table should not boost, got %v", got)
	}
}

func TestResolver_ReordersRanking(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()
	repo := NewMemoryRepo()
	now := time.Now().UTC()

	donor := &registry.Donor{BloodType: registry.BloodONeg, Age: 40, HeightCM: 175, WeightKG: 70,
		Organs: []registry.DonorOrgan{{Organ: registry.OrganKidney, Status: registry.OrganAvailable}}}
	_ = reg.CreateDonor(ctx, donor)
	// The closer age match wins on score alone.
	best := &registry.Recipient{OrganNeeded: registry.OrganKidney, BloodType: registry.BloodAPos, Age: 40, HeightCM: 175, WeightKG: 70,
		Urgency: registry.UrgencyNormal, Region: "north"}
	elevated := &registry.Recipient{OrganNeeded: registry.OrganKidney, BloodType: registry.BloodAPos, Age: 47, HeightCM: 175, WeightKG: 70,
		Urgency: registry.UrgencyNormal, Region: "south"}
	_ = reg.CreateRecipient(ctx, best)
	_ = reg.CreateRecipient(ctx, elevated)

	resolver := NewResolver(repo, DefaultBoosts(), zerolog.Nop())
	store := matching.NewMemoryStore()
	ranker := matching.NewRanker(reg, store, store, resolver, matching.DefaultRankerConfig, zerolog.Nop(), nil)

	ranking, err := ranker.RankForDonor(ctx, donor.ID, registry.OrganKidney)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranking.Candidates) != 2 || ranking.Candidates[0].RecipientID != best.ID {
		t.Fatalf("expected score order first, got %+v", ranking.Candidates)
	}

	_ = repo.Create(ctx, &Elevation{Organ: registry.OrganKidney, Region: "south", Level: LevelCritical, Reason: "r", ExpiresAt: now.Add(time.Hour)})
	ranking, err = ranker.RankForDonor(ctx, donor.ID, registry.OrganKidney)
	if err != nil {
		t.Fatal(err)
	}
	top := ranking.Candidates[0]
	if top.RecipientID != elevated.ID {
		t.Fatalf("elevation should lift the south recipient, got %+v", ranking.Candidates)
	}
	if top.Boost != 15 || top.Score.Total >= ranking.Candidates[1].Score.Total {
		t.Errorf("boost must not change the stored score: %+v", ranking.Candidates)
	}
}
