package deathconfirm

import (
	"context"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/attestation"
)

// HospitalKeys resolves attestation keys from registered hospitals.
func HospitalKeys(reg registry.Registry) attestation.KeyResolver {
	return attestation.KeyResolverFunc(func(ctx context.Context, hospitalID uuid.UUID) (attestation.Key, error) {
		h, err := reg.GetHospital(ctx, hospitalID)
		if err != nil {
			return attestation.Key{}, err
		}
		return attestation.Key{
			Secret:     []byte(h.SigningKey),
			Name:       h.Name,
			Region:     h.Region,
			Authorized: h.Authorized,
		}, nil
	})
}
