// Package attestation verifies hospital-signed death attestations.
//
// An attestation is an HS256 JWT signed with the hospital's registered key.
// It must carry the hospital id and the certificate hash it vouches for:
//
//	{"hospital_id": "<uuid>", "certificate_hash": "<hex>", "donor_id": "<uuid>", "iat": ..., "exp": ...}
package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// ErrUnauthorized is returned for every failed verification.
var ErrUnauthorized = fmt.Errorf("attestation rejected: %w", sentinel.ErrUnauthorized)

// Identity is the authority behind a verified attestation.
type Identity struct {
	HospitalID uuid.UUID `json:"hospital_id"`
	Name       string    `json:"name"`
	Region     string    `json:"region"`
	DonorID    uuid.UUID `json:"donor_id,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Key is what a KeyResolver knows about a hospital.
type Key struct {
	Secret     []byte
	Name       string
	Region     string
	Authorized bool
}

// KeyResolver looks up a hospital's signing key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, hospitalID uuid.UUID) (Key, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, hospitalID uuid.UUID) (Key, error)

func (f KeyResolverFunc) ResolveKey(ctx context.Context, hospitalID uuid.UUID) (Key, error) {
	return f(ctx, hospitalID)
}

// Verifier checks attestations against registered hospital keys.
type Verifier interface {
	Verify(ctx context.Context, certificateHash, signature string) (Identity, error)
}

type Claims struct {
	jwt.RegisteredClaims
	HospitalID      string `json:"hospital_id"`
	CertificateHash string `json:"certificate_hash"`
	DonorID         string `json:"donor_id,omitempty"`
}

// JWTVerifier verifies HS256 attestations.
type JWTVerifier struct {
	keys   KeyResolver
	leeway time.Duration
}

func NewJWTVerifier(keys KeyResolver) *JWTVerifier {
	return &JWTVerifier{keys: keys, leeway: 30 * time.Second}
}

func (v *JWTVerifier) Verify(ctx context.Context, certificateHash, signature string) (Identity, error) {
	if certificateHash == "" || signature == "" {
		return Identity{}, fmt.Errorf("%w: certificate hash and signature are required", ErrUnauthorized)
	}

	var resolved Key
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		hid, err := uuid.Parse(c.HospitalID)
		if err != nil {
			return nil, fmt.Errorf("invalid hospital_id: %w", err)
		}
		k, err := v.keys.ResolveKey(ctx, hid)
		if err != nil {
			return nil, err
		}
		if !k.Authorized {
			return nil, fmt.Errorf("hospital %s is not authorized", hid)
		}
		if len(k.Secret) == 0 {
			return nil, fmt.Errorf("hospital %s has no signing key", hid)
		}
		resolved = k
		return k.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway), jwt.WithIssuedAt())
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.CertificateHash != certificateHash {
		return Identity{}, fmt.Errorf("%w: certificate hash mismatch", ErrUnauthorized)
	}

	id := Identity{
		HospitalID: uuid.MustParse(claims.HospitalID),
		Name:       resolved.Name,
		Region:     resolved.Region,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.DonorID != "" {
		did, err := uuid.Parse(claims.DonorID)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: invalid donor_id", ErrUnauthorized)
		}
		id.DonorID = did
	}
	return id, nil
}

// Sign produces an attestation. Hospitals integrate with this format; the
// seeder and tests use it directly.
func Sign(secret []byte, hospitalID, donorID uuid.UUID, certificateHash string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   hospitalID.String(),
		},
		HospitalID:      hospitalID.String(),
		CertificateHash: certificateHash,
	}
	if donorID != uuid.Nil {
		claims.DonorID = donorID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

var _ Verifier = (*JWTVerifier)(nil)
