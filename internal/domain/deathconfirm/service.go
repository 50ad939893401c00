// Package deathconfirm turns a hospital's death attestation into available
// organs and the matches they produce.
package deathconfirm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/organmatch/organmatch/internal/domain/matching"
	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/attestation"
	"github.com/organmatch/organmatch/internal/platform/ledger"
	"github.com/organmatch/organmatch/internal/platform/metrics"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// DefaultDeadline bounds one confirmation's matching work.
const DefaultDeadline = 30 * time.Second

// Request is a death attestation for one donor.
type Request struct {
	DonorID         uuid.UUID `json:"donor_id"`
	CertificateHash string    `json:"certificate_hash"`
	Signature       string    `json:"signature"`
}

// CandidateError reports a candidate (or a whole organ) that failed.
type CandidateError struct {
	Organ       registry.OrganType `json:"organ"`
	RecipientID *uuid.UUID         `json:"recipient_id,omitempty"`
	Error       string             `json:"error"`
}

// Summary is the batch outcome. Matches created before a failure or the
// deadline stay valid.
type Summary struct {
	DonorID          uuid.UUID            `json:"donor_id"`
	HospitalID       uuid.UUID            `json:"hospital_id"`
	AlreadyConfirmed bool                 `json:"already_confirmed"`
	OrgansAvailable  []registry.OrganType `json:"organs_available"`
	MatchesCreated   int                  `json:"matches_created"`
	Matches          []*matching.Match    `json:"matches"`
	Skipped          int                  `json:"skipped"`
	Errors           []CandidateError     `json:"errors,omitempty"`
	Unprocessed      int                  `json:"unprocessed"`
	DeadlineExceeded bool                 `json:"deadline_exceeded"`

	// OrgansUnprocessed lists organs left without a match because the
	// deadline passed first.
	OrgansUnprocessed []registry.OrganType `json:"organs_unprocessed,omitempty"`
}

// DonorRanker ranks waiting recipients for one organ of a donor.
type DonorRanker interface {
	RankForDonor(ctx context.Context, donorID uuid.UUID, organ registry.OrganType) (*matching.Ranking, error)
}

// MatchCreator proposes a match.
type MatchCreator interface {
	Create(ctx context.Context, req matching.CreateRequest) (*matching.Match, error)
}

type verifiedFact struct {
	DonorID         uuid.UUID `json:"donor_id"`
	HospitalID      uuid.UUID `json:"hospital_id"`
	CertificateHash string    `json:"certificate_hash"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

type Service struct {
	reg      registry.Registry
	verifier attestation.Verifier
	ranker   DonorRanker
	creator  MatchCreator
	ledger   ledger.Appender
	deadline time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(reg registry.Registry, verifier attestation.Verifier, ranker DonorRanker, creator MatchCreator,
	appender ledger.Appender, deadline time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Service{
		reg:      reg,
		verifier: verifier,
		ranker:   ranker,
		creator:  creator,
		ledger:   appender,
		deadline: deadline,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Confirm verifies the attestation, makes the donor's organs available and
// proposes a match for each of them. Confirming an already confirmed donor
// changes nothing. Per-candidate failures are collected in the summary; only
// validation, attestation and lookup failures are returned as errors.
func (s *Service) Confirm(ctx context.Context, req Request) (*Summary, error) {
	if req.DonorID == uuid.Nil {
		return nil, fmt.Errorf("donor_id is required: %w", sentinel.ErrValidation)
	}
	if req.CertificateHash == "" {
		return nil, fmt.Errorf("certificate_hash is required: %w", sentinel.ErrValidation)
	}

	identity, err := s.verifier.Verify(ctx, req.CertificateHash, req.Signature)
	if err != nil {
		s.metrics.IncDeathConfirmation("unauthorized")
		s.logger.Warn().Err(err).Str("donor_id", req.DonorID.String()).Msg("death attestation rejected")
		return nil, err
	}
	if identity.DonorID != uuid.Nil && identity.DonorID != req.DonorID {
		s.metrics.IncDeathConfirmation("unauthorized")
		return nil, fmt.Errorf("%w: attestation is for donor %s", attestation.ErrUnauthorized, identity.DonorID)
	}

	changed, err := s.reg.MarkOrgansAvailable(ctx, req.DonorID, req.CertificateHash, s.now())
	if err != nil {
		return nil, err
	}
	sum := &Summary{DonorID: req.DonorID, HospitalID: identity.HospitalID, Matches: []*matching.Match{}}
	if !changed {
		sum.AlreadyConfirmed = true
		s.metrics.IncDeathConfirmation("already_confirmed")
		return sum, nil
	}

	if s.ledger != nil {
		if _, err := s.ledger.Append(ctx, ledger.EventDeathVerified, verifiedFact{
			DonorID:         req.DonorID,
			HospitalID:      identity.HospitalID,
			CertificateHash: req.CertificateHash,
			ConfirmedAt:     s.now(),
		}); err != nil {
			s.logger.Error().Err(err).Str("donor_id", req.DonorID.String()).Msg("ledger append failed")
		}
	}

	donor, err := s.reg.GetDonor(ctx, req.DonorID)
	if err != nil {
		return nil, err
	}
	sum.OrgansAvailable = donor.AvailableOrgans()

	dctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()
	s.matchOrgans(dctx, req.DonorID, sum)

	outcome := "confirmed"
	if len(sum.Errors) > 0 || sum.DeadlineExceeded {
		outcome = "partial"
	}
	s.metrics.IncDeathConfirmation(outcome)
	s.logger.Info().
		Str("donor_id", req.DonorID.String()).
		Str("hospital_id", identity.HospitalID.String()).
		Int("organs", len(sum.OrgansAvailable)).
		Int("matches", sum.MatchesCreated).
		Int("errors", len(sum.Errors)).
		Int("unprocessed", sum.Unprocessed).
		Int("organs_unprocessed", len(sum.OrgansUnprocessed)).
		Msg("death confirmation processed")
	return sum, nil
}

// matchOrgans processes organs in parallel. Each organ has its own
// recipients, so the passes never compete for the same match.
func (s *Service) matchOrgans(ctx context.Context, donorID uuid.UUID, sum *Summary) {
	var mu sync.Mutex
	var g errgroup.Group
	for _, organ := range sum.OrgansAvailable {
		organ := organ
		g.Go(func() error {
			out := s.matchOrgan(ctx, donorID, organ)
			mu.Lock()
			defer mu.Unlock()
			if out.match != nil {
				sum.Matches = append(sum.Matches, out.match)
			}
			sum.Skipped += out.skipped
			sum.Unprocessed += out.unprocessed
			sum.Errors = append(sum.Errors, out.errs...)
			if out.deadline {
				sum.DeadlineExceeded = true
				sum.OrgansUnprocessed = append(sum.OrgansUnprocessed, organ)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(sum.Matches, func(i, j int) bool { return sum.Matches[i].Organ < sum.Matches[j].Organ })
	sort.Slice(sum.OrgansUnprocessed, func(i, j int) bool { return sum.OrgansUnprocessed[i] < sum.OrgansUnprocessed[j] })
	sum.MatchesCreated = len(sum.Matches)
}

type organOutcome struct {
	match       *matching.Match
	skipped     int
	unprocessed int
	deadline    bool
	errs        []CandidateError
}

// matchOrgan walks the ranking in order and stops at the first match
// created. A candidate whose recipient was bound meanwhile is skipped.
func (s *Service) matchOrgan(ctx context.Context, donorID uuid.UUID, organ registry.OrganType) organOutcome {
	var out organOutcome
	ranking, err := s.ranker.RankForDonor(ctx, donorID, organ)
	if err != nil {
		if ctx.Err() != nil {
			out.deadline = true
			return out
		}
		out.errs = append(out.errs, CandidateError{Organ: organ, Error: err.Error()})
		return out
	}
	out.skipped = len(ranking.Skipped)

	for i, c := range ranking.Candidates {
		if ctx.Err() != nil {
			out.deadline = true
			out.unprocessed = len(ranking.Candidates) - i
			return out
		}
		m, err := s.creator.Create(ctx, matching.CreateRequest{
			DonorID:     donorID,
			RecipientID: c.RecipientID,
			Organ:       organ,
			Actor:       "death-confirmation",
		})
		switch {
		case err == nil:
			out.match = m
			return out
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			out.deadline = true
			out.unprocessed = len(ranking.Candidates) - i
			return out
		case errors.Is(err, sentinel.ErrConflict):
			out.skipped++
		default:
			rid := c.RecipientID
			out.errs = append(out.errs, CandidateError{Organ: organ, RecipientID: &rid, Error: err.Error()})
			s.logger.Warn().Err(err).Str("donor_id", donorID.String()).Str("recipient_id", rid.String()).
				Str("organ", string(organ)).Msg("candidate match failed")
		}
	}
	return out
}
