// Package service implements warehouse allocation and the session lock
// lifecycle: lock, confirm, release.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	"github.com/utafrali/EcommerceGo/warehouse/internal/shipping"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/tracing"
)

const tracerName = "github.com/utafrali/EcommerceGo/warehouse/internal/service"

// EventPublisher publishes lock lifecycle events. Failures are logged by
// the service and never fail an operation.
type EventPublisher interface {
	PublishBatchesLocked(ctx context.Context, sessionID string, locks []domain.BatchLock) error
	PublishLocksConfirmed(ctx context.Context, sessionID string, locks []domain.BatchLock) error
	PublishLocksReleased(ctx context.Context, sessionID string, locks []domain.BatchLock) error
	PublishLowStock(ctx context.Context, stock *domain.Stock) error
}

// Config holds the tunables of AllocationService.
type Config struct {
	// LockTTL is how long a batch lock holds stock.
	LockTTL time.Duration

	// MaxRetries bounds retries after a concurrency conflict, and cart
	// re-allocations after losing a race for stock.
	MaxRetries int

	// RetryBaseWait is the first retry delay; it doubles per attempt.
	RetryBaseWait time.Duration
}

// DefaultConfig returns a 15 minute TTL and 3 retries.
func DefaultConfig() Config {
	return Config{
		LockTTL:       15 * time.Minute,
		MaxRetries:    3,
		RetryBaseWait: 20 * time.Millisecond,
	}
}

// AllocationService decides where stock comes from and manages the locks
// that hold it for a checkout session.
type AllocationService struct {
	store     repository.Store
	scorer    shipping.Scorer
	publisher EventPublisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewAllocationService creates a new allocation service.
func NewAllocationService(
	store repository.Store,
	scorer shipping.Scorer,
	publisher EventPublisher,
	logger *slog.Logger,
	cfg Config,
) *AllocationService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = DefaultConfig().RetryBaseWait
	}
	return &AllocationService{
		store:     store,
		scorer:    scorer,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// LockTTL returns the configured lock time-to-live.
func (s *AllocationService) LockTTL() time.Duration {
	return s.cfg.LockTTL
}

func (s *AllocationService) log(ctx context.Context) *slog.Logger {
	return logger.WithContext(ctx, s.logger)
}

func startSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, func(error)) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, name, attrs...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// retryOnConflict runs fn until it succeeds, fails with something other than
// domain.ErrConcurrencyConflict, or MaxRetries retries are used up.
func (s *AllocationService) retryOnConflict(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		lockConflicts.WithLabelValues(op).Inc()
		if attempt >= s.cfg.MaxRetries {
			return err
		}

		wait := s.backoff(attempt)
		s.log(ctx).WarnContext(ctx, "concurrency conflict, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff returns RetryBaseWait<<attempt with ±25% jitter.
func (s *AllocationService) backoff(attempt int) time.Duration {
	base := s.cfg.RetryBaseWait << attempt
	jitter := time.Duration(float64(base) * 0.25 * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter for retry backoff
	return base + jitter
}

// failureReason labels allocation failure metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrBatchUnavailable):
		return "batch_unavailable"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrSessionHasLocks):
		return "session_has_locks"
	default:
		return "error"
	}
}
