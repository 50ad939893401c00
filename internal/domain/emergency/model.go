package emergency

import (
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
)

// Level grades an emergency elevation.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ValidLevel reports whether l is a known level.
func ValidLevel(l Level) bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// Elevation maps to the emergency_elevation table. It raises every waiting
// recipient of an organ in a region until it expires. An empty region
// applies everywhere.
type Elevation struct {
	ID          uuid.UUID          `db:"id" json:"id"`
	Organ       registry.OrganType `db:"organ" json:"organ" validate:"required,organ"`
	Region      string             `db:"region" json:"region"`
	Level       Level              `db:"level" json:"level" validate:"required,oneof=low medium high critical"`
	Reason      string             `db:"reason" json:"reason" validate:"required"`
	ProposalRef string             `db:"proposal_ref" json:"proposal_ref,omitempty"`
	CreatedBy   string             `db:"created_by" json:"created_by"`
	ExpiresAt   time.Time          `db:"expires_at" json:"expires_at" validate:"required"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
}

// Active reports whether the elevation is still in force at t.
func (e *Elevation) Active(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// Covers reports whether the elevation targets organ in region.
func (e *Elevation) Covers(organ registry.OrganType, region string) bool {
	return e.Organ == organ && (e.Region == "" || e.Region == region)
}

// Filter narrows List. ActiveAt, when set, drops elevations expired by then.
type Filter struct {
	Organ    registry.OrganType
	Region   string
	ActiveAt *time.Time
}
