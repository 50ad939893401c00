package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
)

// Repository persists elevations. Expired rows are kept for audit; readers
// compare ExpiresAt against their own clock.
type Repository interface {
	Create(ctx context.Context, e *Elevation) error
	Get(ctx context.Context, id uuid.UUID) (*Elevation, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Elevation, int, error)
	// ForOrgan returns every elevation of the organ, expired or not.
	ForOrgan(ctx context.Context, organ registry.OrganType) ([]*Elevation, error)
	// Expire sets ExpiresAt to at unless the elevation already ended earlier.
	Expire(ctx context.Context, id uuid.UUID, at time.Time) (*Elevation, error)
}
