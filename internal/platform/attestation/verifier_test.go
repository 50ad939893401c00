package attestation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type staticKeys map[uuid.UUID]Key

func (s staticKeys) ResolveKey(_ context.Context, id uuid.UUID) (Key, error) {
	k, ok := s[id]
	if !ok {
		return Key{}, sentinel.ErrNotFound
	}
	return k, nil
}

func TestJWTVerifier(t *testing.T) {
	authorized := uuid.New()
	suspended := uuid.New()
	unknown := uuid.New()
	donor := uuid.New()
	secret := []byte("hospital-secret")

	v := NewJWTVerifier(staticKeys{
		authorized: {Secret: secret, Name: "General", Region: "north", Authorized: true},
		suspended:  {Secret: secret, Name: "Closed", Authorized: false},
	})

	sign := func(t *testing.T, key []byte, hospital uuid.UUID, hash string, ttl time.Duration) string {
		t.Helper()
		tok, err := Sign(key, hospital, donor, hash, ttl)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return tok
	}

	tests := []struct {
		name    string
		hash    string
		token   func(t *testing.T) string
		wantErr bool
	}{
		{"valid", "abc123", func(t *testing.T) string { return sign(t, secret, authorized, "abc123", time.Minute) }, false},
		{"hash mismatch", "abc123", func(t *testing.T) string { return sign(t, secret, authorized, "other", time.Minute) }, true},
		{"wrong key", "abc123", func(t *testing.T) string { return sign(t, []byte("forged"), authorized, "abc123", time.Minute) }, true},
		{"unauthorized hospital", "abc123", func(t *testing.T) string { return sign(t, secret, suspended, "abc123", time.Minute) }, true},
		{"unknown hospital", "abc123", func(t *testing.T) string { return sign(t, secret, unknown, "abc123", time.Minute) }, true},
		{"expired", "abc123", func(t *testing.T) string { return sign(t, secret, authorized, "abc123", -time.Hour) }, true},
		{"garbage", "abc123", func(*testing.T) string { return "not.a.jwt" }, true},
		{"empty signature", "abc123", func(*testing.T) string { return "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(context.Background(), tt.hash, tt.token(t))
			if tt.wantErr {
				if !errors.Is(err, sentinel.ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.HospitalID != authorized || id.DonorID != donor || id.Region != "north" {
				t.Errorf("unexpected identity %+v", id)
			}
		})
	}
}
