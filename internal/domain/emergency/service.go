package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("organ", func(fl validator.FieldLevel) bool {
			return registry.ValidOrgan(registry.OrganType(fl.Field().String()))
		})
		validate = v
	})
	return validate
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create records a new elevation raised by actor.
func (s *Service) Create(ctx context.Context, e *Elevation, actor string) error {
	if err := validatorInstance().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", sentinel.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", sentinel.ErrValidation, err)
	}
	now := s.now()
	if !e.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", sentinel.ErrValidation)
	}
	e.ID = uuid.Nil
	e.CreatedAt = now
	e.CreatedBy = actor
	if err := s.repo.Create(ctx, e); err != nil {
		return err
	}
	s.logger.Info().
		Str("elevation_id", e.ID.String()).
		Str("organ", string(e.Organ)).
		Str("region", e.Region).
		Str("level", string(e.Level)).
		Time("expires_at", e.ExpiresAt).
		Msg("emergency elevation raised")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Elevation, error) {
	return s.repo.Get(ctx, id)
}

// List returns elevations; activeOnly drops those already expired.
func (s *Service) List(ctx context.Context, f Filter, activeOnly bool, limit, offset int) ([]*Elevation, int, error) {
	if activeOnly {
		now := s.now()
		f.ActiveAt = &now
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Revoke ends an elevation now. Revoking an expired elevation leaves it as is.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, actor string) (*Elevation, error) {
	e, err := s.repo.Expire(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("elevation_id", id.String()).Str("actor", actor).Msg("emergency elevation revoked")
	return e, nil
}
