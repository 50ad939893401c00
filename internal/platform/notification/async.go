package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AsyncEnqueuer delivers notifications on goroutines within this process.
// It is used when no Redis queue is configured.
type AsyncEnqueuer struct {
	base    context.Context
	deliver func(ctx context.Context, id uuid.UUID) error
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsyncEnqueuer returns an enqueuer whose deliveries run under base, so
// cancelling base stops pending retries.
func NewAsyncEnqueuer(base context.Context, deliver func(ctx context.Context, id uuid.UUID) error, logger zerolog.Logger) *AsyncEnqueuer {
	return &AsyncEnqueuer{base: base, deliver: deliver, logger: logger, timeout: 2 * time.Minute}
}

// Enqueue starts delivery and returns immediately. The caller's context only
// scopes the enqueue call, not the delivery.
func (a *AsyncEnqueuer) Enqueue(_ context.Context, id uuid.UUID) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.base, a.timeout)
		defer cancel()
		if err := a.deliver(ctx, id); err != nil {
			a.logger.Error().Err(err).Str("notification_id", id.String()).Msg("notification delivery error")
		}
	}()
	return nil
}

// Wait blocks until every started delivery has finished.
func (a *AsyncEnqueuer) Wait() {
	a.wg.Wait()
}

var _ Enqueuer = (*AsyncEnqueuer)(nil)
