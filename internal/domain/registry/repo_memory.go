package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	donors     map[uuid.UUID]*Donor
	recipients map[uuid.UUID]*Recipient
	hospitals  map[uuid.UUID]*Hospital
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		donors:     make(map[uuid.UUID]*Donor),
		recipients: make(map[uuid.UUID]*Recipient),
		hospitals:  make(map[uuid.UUID]*Hospital),
	}
}

func copyDonor(d *Donor) *Donor {
	cp := *d
	cp.Organs = append([]DonorOrgan(nil), d.Organs...)
	return &cp
}

func copyRecipient(r *Recipient) *Recipient {
	cp := *r
	return &cp
}

func (m *MemoryStore) CreateDonor(_ context.Context, d *Donor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	for i := range d.Organs {
		if d.Organs[i].Status == "" {
			d.Organs[i].Status = OrganRegistered
		}
		d.Organs[i].UpdatedAt = now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors[d.ID] = copyDonor(d)
	return nil
}

func (m *MemoryStore) CreateRecipient(_ context.Context, r *Recipient) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	if r.Status == "" {
		r.Status = RecipientWaiting
	}
	if r.Urgency == "" {
		r.Urgency = UrgencyNormal
	}
	r.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.ID] = copyRecipient(r)
	return nil
}

func (m *MemoryStore) CreateHospital(_ context.Context, h *Hospital) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	cp := *h
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hospitals[h.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAvailableDonors(_ context.Context, organ OrganType) ([]*Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Donor
	for _, d := range m.donors {
		if do, ok := d.Organ(organ); ok && do.Status == OrganAvailable {
			out = append(out, copyDonor(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPendingRecipients(_ context.Context, organ OrganType) ([]*Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Recipient
	for _, r := range m.recipients {
		if r.OrganNeeded == organ && r.Status == RecipientWaiting {
			out = append(out, copyRecipient(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *MemoryStore) ListRecipients(_ context.Context, organ OrganType, limit, offset int) ([]*Recipient, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Recipient
	for _, r := range m.recipients {
		if organ == "" || r.OrganNeeded == organ {
			all = append(all, copyRecipient(r))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RegisteredAt.Before(all[j].RegisteredAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) GetDonor(_ context.Context, id uuid.UUID) (*Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, fmt.Errorf("donor %s: %w", id, sentinel.ErrNotFound)
	}
	return copyDonor(d), nil
}

func (m *MemoryStore) GetRecipient(_ context.Context, id uuid.UUID) (*Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", id, sentinel.ErrNotFound)
	}
	return copyRecipient(r), nil
}

func (m *MemoryStore) GetHospital(_ context.Context, id uuid.UUID) (*Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hospitals[id]
	if !ok {
		return nil, fmt.Errorf("hospital %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) MarkOrgansAvailable(_ context.Context, donorID uuid.UUID, certificateHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[donorID]
	if !ok {
		return false, fmt.Errorf("donor %s: %w", donorID, sentinel.ErrNotFound)
	}
	if d.DeathConfirmedAt != nil {
		return false, nil
	}
	for i := range d.Organs {
		if d.Organs[i].Status == OrganRegistered {
			d.Organs[i].Status = OrganAvailable
			d.Organs[i].UpdatedAt = at
		}
	}
	hash := certificateHash
	d.CertificateHash = &hash
	confirmed := at
	d.DeathConfirmedAt = &confirmed
	d.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) SetOrganStatus(_ context.Context, donorID uuid.UUID, organ OrganType, status OrganStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[donorID]
	if !ok {
		return fmt.Errorf("donor %s: %w", donorID, sentinel.ErrNotFound)
	}
	for i := range d.Organs {
		if d.Organs[i].Organ == organ {
			d.Organs[i].Status = status
			d.Organs[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("donor %s does not offer %s: %w", donorID, organ, sentinel.ErrNotFound)
}

func (m *MemoryStore) SetRecipientStatus(_ context.Context, recipientID uuid.UUID, status RecipientStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[recipientID]
	if !ok {
		return fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateUrgency(_ context.Context, recipientID uuid.UUID, urgency Urgency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[recipientID]
	if !ok {
		return fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	r.Urgency = urgency
	r.UpdatedAt = time.Now().UTC()
	return nil
}

var _ Store = (*MemoryStore)(nil)
