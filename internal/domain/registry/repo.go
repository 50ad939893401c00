package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Registry is the donor/recipient data source the matching engine reads
// from. Lookups of unknown ids return an error wrapping sentinel.ErrNotFound.
type Registry interface {
	ListAvailableDonors(ctx context.Context, organ OrganType) ([]*Donor, error)
	ListPendingRecipients(ctx context.Context, organ OrganType) ([]*Recipient, error)
	GetDonor(ctx context.Context, id uuid.UUID) (*Donor, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error)
	GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error)

	// MarkOrgansAvailable moves every registered organ of the donor to
	// available and stamps the death confirmation. It reports false when the
	// donor was already confirmed, in which case nothing changes.
	MarkOrgansAvailable(ctx context.Context, donorID uuid.UUID, certificateHash string, at time.Time) (bool, error)
	SetOrganStatus(ctx context.Context, donorID uuid.UUID, organ OrganType, status OrganStatus) error
	SetRecipientStatus(ctx context.Context, recipientID uuid.UUID, status RecipientStatus) error
	UpdateUrgency(ctx context.Context, recipientID uuid.UUID, urgency Urgency) error
	ListRecipients(ctx context.Context, organ OrganType, limit, offset int) ([]*Recipient, int, error)
}

// Writer creates registry records. Registration itself happens elsewhere;
// the seeder and tests use this to load data.
type Writer interface {
	CreateDonor(ctx context.Context, d *Donor) error
	CreateRecipient(ctx context.Context, r *Recipient) error
	CreateHospital(ctx context.Context, h *Hospital) error
}

// Store is a Registry that can also create records.
type Store interface {
	Registry
	Writer
}
