package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *MemoryRepo) {
	repo := NewMemoryRepo()
	svc := NewService(repo, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func elevation(organ registry.OrganType, region string, level Level, ttl time.Duration) *Elevation {
	return &Elevation{Organ: organ, Region: region, Level: level, Reason: "regional shortage", ExpiresAt: testNow.Add(ttl)}
}

func TestService_Create(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	e := elevation(registry.OrganHeart, "north", LevelHigh, time.Hour)
	if err := svc.Create(ctx, e, "coordinator-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.ID == uuid.Nil || e.CreatedBy != "coordinator-1" || !e.CreatedAt.Equal(testNow) {
		t.Errorf("unexpected elevation %+v", e)
	}
	got, err := svc.Get(ctx, e.ID)
	if err != nil || got.Level != LevelHigh {
		t.Fatalf("Get: %+v %v", got, err)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newTestService()
	tests := []struct {
		name string
		e    *Elevation
	}{
		{"unknown organ", elevation("spleen", "", LevelLow, time.Hour)},
		{"unknown level", elevation(registry.OrganKidney, "", "extreme", time.Hour)},
		{"missing reason", &Elevation{Organ: registry.OrganKidney, Level: LevelLow, ExpiresAt: testNow.Add(time.Hour)}},
		{"already expired", elevation(registry.OrganKidney, "", LevelLow, -time.Minute)},
		{"missing expiry", &Elevation{Organ: registry.OrganKidney, Level: LevelLow, Reason: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Create(context.Background(), tt.e, "c"); !errors.Is(err, sentinel.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestService_ListActiveOnly(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	live := elevation(registry.OrganLiver, "north", LevelMedium, time.Hour)
	_ = svc.Create(ctx, live, "c")
	stale := elevation(registry.OrganLiver, "north", LevelCritical, time.Hour)
	stale.CreatedAt = testNow.Add(-2 * time.Hour)
	stale.ExpiresAt = testNow.Add(-time.Hour)
	_ = repo.Create(ctx, stale)

	items, total, err := svc.List(ctx, Filter{Organ: registry.OrganLiver}, true, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].ID != live.ID {
		t.Errorf("expected only the live elevation, got %d", total)
	}
	_, total, _ = svc.List(ctx, Filter{Organ: registry.OrganLiver}, false, 10, 0)
	if total != 2 {
		t.Errorf("expected 2 including expired, got %d", total)
	}
}

func TestService_ListRegionIncludesGlobal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_ = svc.Create(ctx, elevation(registry.OrganLung, "", LevelLow, time.Hour), "c")
	_ = svc.Create(ctx, elevation(registry.OrganLung, "south", LevelLow, time.Hour), "c")
	_ = svc.Create(ctx, elevation(registry.OrganLung, "north", LevelLow, time.Hour), "c")

	_, total, _ := svc.List(ctx, Filter{Region: "south"}, true, 10, 0)
	if total != 2 {
		t.Errorf("expected global and south elevations, got %d", total)
	}
}

func TestService_Revoke(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e := elevation(registry.OrganKidney, "", LevelCritical, time.Hour)
	_ = svc.Create(ctx, e, "c")

	revoked, err := svc.Revoke(ctx, e.ID, "c")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !revoked.ExpiresAt.Equal(testNow) || revoked.Active(testNow) {
		t.Errorf("expected expiry at now, got %s", revoked.ExpiresAt)
	}

	svc.now = func() time.Time { return testNow.Add(time.Minute) }
	again, err := svc.Revoke(ctx, e.ID, "c")
	if err != nil || !again.ExpiresAt.Equal(testNow) {
		t.Errorf("second revoke must keep the original expiry, got %v %v", again, err)
	}

	if _, err := svc.Revoke(ctx, uuid.New(), "c"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
