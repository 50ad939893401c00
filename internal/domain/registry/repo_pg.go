package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/organmatch/organmatch/internal/platform/db"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by PostgreSQL.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const donorCols = `d.id, d.external_ref, d.blood_type, d.age, d.height_cm, d.weight_kg, d.latitude, d.longitude,
	d.chronic_disease, d.smoking, d.alcohol, d.hospital_id, d.successful_donations, d.hospital_verifications,
	d.certificate_hash, d.death_confirmed_at, d.created_at, d.updated_at`

const recipientCols = `id, external_ref, organ_needed, blood_type, age, height_cm, weight_kg, latitude, longitude,
	urgency, region, hospital_id, status, registered_at, updated_at`

func scanDonor(row pgx.Row) (*Donor, error) {
	var d Donor
	err := row.Scan(&d.ID, &d.ExternalRef, &d.BloodType, &d.Age, &d.HeightCM, &d.WeightKG, &d.Latitude, &d.Longitude,
		&d.MedicalHistory.ChronicDisease, &d.MedicalHistory.Smoking, &d.MedicalHistory.Alcohol,
		&d.HospitalID, &d.SuccessfulDonations, &d.HospitalVerifications,
		&d.CertificateHash, &d.DeathConfirmedAt, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var r Recipient
	err := row.Scan(&r.ID, &r.ExternalRef, &r.OrganNeeded, &r.BloodType, &r.Age, &r.HeightCM, &r.WeightKG,
		&r.Latitude, &r.Longitude, &r.Urgency, &r.Region, &r.HospitalID, &r.Status, &r.RegisteredAt, &r.UpdatedAt)
	return &r, err
}

func notFound(kind string, id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, sentinel.ErrNotFound)
	}
	return err
}

func (r *storePG) CreateDonor(ctx context.Context, d *Donor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO donor (id, external_ref, blood_type, age, height_cm, weight_kg, latitude, longitude,
			chronic_disease, smoking, alcohol, hospital_id, successful_donations, hospital_verifications,
			certificate_hash, death_confirmed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.ExternalRef, d.BloodType, d.Age, d.HeightCM, d.WeightKG, d.Latitude, d.Longitude,
		d.MedicalHistory.ChronicDisease, d.MedicalHistory.Smoking, d.MedicalHistory.Alcohol,
		d.HospitalID, d.SuccessfulDonations, d.HospitalVerifications,
		d.CertificateHash, d.DeathConfirmedAt)
	if err != nil {
		return err
	}
	for i := range d.Organs {
		if d.Organs[i].Status == "" {
			d.Organs[i].Status = OrganRegistered
		}
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO donor_organ (donor_id, organ, status) VALUES ($1, $2, $3)`,
			d.ID, d.Organs[i].Organ, d.Organs[i].Status); err != nil {
			return err
		}
	}
	return nil
}

func (r *storePG) CreateRecipient(ctx context.Context, rc *Recipient) error {
	if rc.ID == uuid.Nil {
		rc.ID = uuid.New()
	}
	if rc.Status == "" {
		rc.Status = RecipientWaiting
	}
	if rc.Urgency == "" {
		rc.Urgency = UrgencyNormal
	}
	if rc.RegisteredAt.IsZero() {
		rc.RegisteredAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recipient (id, external_ref, organ_needed, blood_type, age, height_cm, weight_kg,
			latitude, longitude, urgency, region, hospital_id, status, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rc.ID, rc.ExternalRef, rc.OrganNeeded, rc.BloodType, rc.Age, rc.HeightCM, rc.WeightKG,
		rc.Latitude, rc.Longitude, rc.Urgency, rc.Region, rc.HospitalID, rc.Status, rc.RegisteredAt)
	return err
}

func (r *storePG) CreateHospital(ctx context.Context, h *Hospital) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hospital (id, name, region, authorized, signing_key, webhook_url)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID, h.Name, h.Region, h.Authorized, h.SigningKey, h.WebhookURL)
	return err
}

// loadOrgans fills the Organs slice of each donor with one query.
func (r *storePG) loadOrgans(ctx context.Context, donors []*Donor) error {
	if len(donors) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(donors))
	byID := make(map[uuid.UUID]*Donor, len(donors))
	for i, d := range donors {
		ids[i] = d.ID
		byID[d.ID] = d
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT donor_id, organ, status, updated_at FROM donor_organ WHERE donor_id = ANY($1) ORDER BY organ`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var donorID uuid.UUID
		var o DonorOrgan
		if err := rows.Scan(&donorID, &o.Organ, &o.Status, &o.UpdatedAt); err != nil {
			return err
		}
		if d, ok := byID[donorID]; ok {
			d.Organs = append(d.Organs, o)
		}
	}
	return rows.Err()
}

func (r *storePG) ListAvailableDonors(ctx context.Context, organ OrganType) ([]*Donor, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+donorCols+`
		FROM donor d JOIN donor_organ o ON o.donor_id = d.id
		WHERE o.organ = $1 AND o.status = 'available'
		ORDER BY d.created_at`, organ)
	if err != nil {
		return nil, err
	}
	var items []*Donor
	for rows.Next() {
		d, err := scanDonor(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadOrgans(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *storePG) ListPendingRecipients(ctx context.Context, organ OrganType) ([]*Recipient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recipientCols+` FROM recipient
		WHERE organ_needed = $1 AND status = 'waiting' ORDER BY registered_at`, organ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rc)
	}
	return items, rows.Err()
}

func (r *storePG) ListRecipients(ctx context.Context, organ OrganType, limit, offset int) ([]*Recipient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM recipient WHERE ($1 = '' OR organ_needed = $1)`, organ).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recipientCols+` FROM recipient
		WHERE ($1 = '' OR organ_needed = $1) ORDER BY registered_at LIMIT $2 OFFSET $3`, organ, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rc)
	}
	return items, total, rows.Err()
}

func (r *storePG) GetDonor(ctx context.Context, id uuid.UUID) (*Donor, error) {
	d, err := scanDonor(r.conn(ctx).QueryRow(ctx, `SELECT `+donorCols+` FROM donor d WHERE d.id = $1`, id))
	if err != nil {
		return nil, notFound("donor", id, err)
	}
	if err := r.loadOrgans(ctx, []*Donor{d}); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *storePG) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	rc, err := scanRecipient(r.conn(ctx).QueryRow(ctx, `SELECT `+recipientCols+` FROM recipient WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("recipient", id, err)
	}
	return rc, nil
}

func (r *storePG) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	var h Hospital
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, region, authorized, signing_key, webhook_url, created_at FROM hospital WHERE id = $1`, id).
		Scan(&h.ID, &h.Name, &h.Region, &h.Authorized, &h.SigningKey, &h.WebhookURL, &h.CreatedAt)
	if err != nil {
		return nil, notFound("hospital", id, err)
	}
	return &h, nil
}

// MarkOrgansAvailable confirms the donor and releases the registered organs
// in one statement so a concurrent confirmation cannot observe half a write.
func (r *storePG) MarkOrgansAvailable(ctx context.Context, donorID uuid.UUID, certificateHash string, at time.Time) (bool, error) {
	var confirmed, organs int
	err := r.conn(ctx).QueryRow(ctx, `
		WITH confirmed AS (
			UPDATE donor SET death_confirmed_at = $2, certificate_hash = $3, updated_at = NOW()
			WHERE id = $1 AND death_confirmed_at IS NULL
			RETURNING id
		), organs AS (
			UPDATE donor_organ SET status = 'available', updated_at = NOW()
			WHERE donor_id IN (SELECT id FROM confirmed) AND status = 'registered'
			RETURNING organ
		)
		SELECT (SELECT COUNT(*) FROM confirmed), (SELECT COUNT(*) FROM organs)`,
		donorID, at, certificateHash).Scan(&confirmed, &organs)
	if err != nil {
		return false, err
	}
	if confirmed == 1 {
		return true, nil
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM donor WHERE id = $1)`, donorID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("donor %s: %w", donorID, sentinel.ErrNotFound)
	}
	return false, nil
}

func (r *storePG) SetOrganStatus(ctx context.Context, donorID uuid.UUID, organ OrganType, status OrganStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE donor_organ SET status = $3, updated_at = NOW() WHERE donor_id = $1 AND organ = $2`,
		donorID, organ, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("donor %s organ %s: %w", donorID, organ, sentinel.ErrNotFound)
	}
	return nil
}

func (r *storePG) SetRecipientStatus(ctx context.Context, recipientID uuid.UUID, status RecipientStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE recipient SET status = $2, updated_at = NOW() WHERE id = $1`, recipientID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	return nil
}

func (r *storePG) UpdateUrgency(ctx context.Context, recipientID uuid.UUID, urgency Urgency) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE recipient SET urgency = $2, updated_at = NOW() WHERE id = $1`, recipientID, urgency)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	return nil
}
