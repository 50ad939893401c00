package registry

import (
	"time"

	"github.com/google/uuid"
)

// BloodType is an ABO/Rh blood group.
type BloodType string

const (
	BloodAPos  BloodType = "A+"
	BloodANeg  BloodType = "A-"
	BloodBPos  BloodType = "B+"
	BloodBNeg  BloodType = "B-"
	BloodABPos BloodType = "AB+"
	BloodABNeg BloodType = "AB-"
	BloodOPos  BloodType = "O+"
	BloodONeg  BloodType = "O-"
)

// BloodTypes lists every accepted blood group.
var BloodTypes = []BloodType{BloodAPos, BloodANeg, BloodBPos, BloodBNeg, BloodABPos, BloodABNeg, BloodOPos, BloodONeg}

// OrganType identifies a transplantable organ.
type OrganType string

const (
	OrganKidney     OrganType = "kidney"
	OrganLiver      OrganType = "liver"
	OrganHeart      OrganType = "heart"
	OrganLung       OrganType = "lung"
	OrganPancreas   OrganType = "pancreas"
	OrganIntestine  OrganType = "intestine"
	OrganCornea     OrganType = "cornea"
	OrganBoneMarrow OrganType = "bone_marrow"
)

// OrganTypes lists every organ the registry tracks.
var OrganTypes = []OrganType{OrganKidney, OrganLiver, OrganHeart, OrganLung, OrganPancreas, OrganIntestine, OrganCornea, OrganBoneMarrow}

// ValidOrgan reports whether o is a known organ type.
func ValidOrgan(o OrganType) bool {
	for _, known := range OrganTypes {
		if known == o {
			return true
		}
	}
	return false
}

// Urgency is a recipient's clinical urgency.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

// OrganStatus tracks one offered organ. Organs only move forward
// registered -> available -> claimed -> donated, except that a released
// claim returns to available.
type OrganStatus string

const (
	OrganRegistered OrganStatus = "registered"
	OrganAvailable  OrganStatus = "available"
	OrganClaimed    OrganStatus = "claimed"
	OrganDonated    OrganStatus = "donated"
)

// RecipientStatus tracks a recipient's single active need.
type RecipientStatus string

const (
	RecipientWaiting      RecipientStatus = "waiting"
	RecipientMatched      RecipientStatus = "matched"
	RecipientTransplanted RecipientStatus = "transplanted"
)

// MedicalHistory holds donor risk flags.
type MedicalHistory struct {
	ChronicDisease bool `db:"chronic_disease" json:"chronic_disease"`
	Smoking        bool `db:"smoking" json:"smoking"`
	Alcohol        bool `db:"alcohol" json:"alcohol"`
}

// DonorOrgan maps to the donor_organ table.
type DonorOrgan struct {
	Organ     OrganType   `db:"organ" json:"organ" validate:"required,organ"`
	Status    OrganStatus `db:"status" json:"status"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// Donor maps to the donor table. Donor rows are never deleted.
type Donor struct {
	ID                    uuid.UUID      `db:"id" json:"id"`
	ExternalRef           string         `db:"external_ref" json:"external_ref"`
	BloodType             BloodType      `db:"blood_type" json:"blood_type" validate:"required,bloodtype"`
	Age                   int            `db:"age" json:"age" validate:"gte=0,lte=120"`
	HeightCM              float64        `db:"height_cm" json:"height_cm" validate:"gte=0,lte=272"`
	WeightKG              float64        `db:"weight_kg" json:"weight_kg" validate:"gte=0,lte=650"`
	Latitude              *float64       `db:"latitude" json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude             *float64       `db:"longitude" json:"longitude,omitempty" validate:"omitempty,longitude"`
	MedicalHistory        MedicalHistory `json:"medical_history"`
	Organs                []DonorOrgan   `json:"organs" validate:"required,min=1,dive"`
	HospitalID            *uuid.UUID     `db:"hospital_id" json:"hospital_id,omitempty"`
	SuccessfulDonations   int            `db:"successful_donations" json:"successful_donations" validate:"gte=0"`
	HospitalVerifications int            `db:"hospital_verifications" json:"hospital_verifications" validate:"gte=0"`
	CertificateHash       *string        `db:"certificate_hash" json:"certificate_hash,omitempty"`
	DeathConfirmedAt      *time.Time     `db:"death_confirmed_at" json:"death_confirmed_at,omitempty"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updated_at"`
}

// Organ returns the donor's entry for organ o, if offered.
func (d *Donor) Organ(o OrganType) (DonorOrgan, bool) {
	for _, do := range d.Organs {
		if do.Organ == o {
			return do, true
		}
	}
	return DonorOrgan{}, false
}

// AvailableOrgans returns the organs currently in the available state.
func (d *Donor) AvailableOrgans() []OrganType {
	var out []OrganType
	for _, do := range d.Organs {
		if do.Status == OrganAvailable {
			out = append(out, do.Organ)
		}
	}
	return out
}

// Recipient maps to the recipient table.
type Recipient struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	ExternalRef  string          `db:"external_ref" json:"external_ref"`
	OrganNeeded  OrganType       `db:"organ_needed" json:"organ_needed" validate:"required,organ"`
	BloodType    BloodType       `db:"blood_type" json:"blood_type" validate:"required,bloodtype"`
	Age          int             `db:"age" json:"age" validate:"gte=0,lte=120"`
	HeightCM     float64         `db:"height_cm" json:"height_cm" validate:"gte=0,lte=272"`
	WeightKG     float64         `db:"weight_kg" json:"weight_kg" validate:"gte=0,lte=650"`
	Latitude     *float64        `db:"latitude" json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude    *float64        `db:"longitude" json:"longitude,omitempty" validate:"omitempty,longitude"`
	Urgency      Urgency         `db:"urgency" json:"urgency" validate:"required,oneof=normal urgent critical"`
	Region       string          `db:"region" json:"region"`
	HospitalID   *uuid.UUID      `db:"hospital_id" json:"hospital_id,omitempty"`
	Status       RecipientStatus `db:"status" json:"status"`
	RegisteredAt time.Time       `db:"registered_at" json:"registered_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Hospital maps to the hospital table. Only authorized hospitals may
// attest a donor's death.
type Hospital struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name" validate:"required"`
	Region     string    `db:"region" json:"region"`
	Authorized bool      `db:"authorized" json:"authorized"`
	SigningKey string    `db:"signing_key" json:"-"`
	WebhookURL *string   `db:"webhook_url" json:"webhook_url,omitempty" validate:"omitempty,url"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
