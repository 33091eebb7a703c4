// Package sweeper deletes batch locks whose TTL has passed so the stock they
// held becomes visible again. Quantities are never changed here.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

var (
	locksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_locks_expired_total",
		Help: "Total number of batch locks deleted after their TTL passed.",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warehouse_sweep_duration_seconds",
		Help:    "Duration of expired lock sweeps.",
		Buckets: prometheus.DefBuckets,
	})
)

// Publisher announces locks removed by the sweeper.
type Publisher interface {
	PublishLocksExpired(ctx context.Context, sessionID string, locks []domain.BatchLock) error
}

// Sweeper periodically removes expired locks.
type Sweeper struct {
	repo      repository.ExpiredLockRepository
	lease     repository.Lease
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a sweeper. A nil lease means every tick sweeps.
func New(
	repo repository.ExpiredLockRepository,
	lease repository.Lease,
	publisher Publisher,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *Sweeper {
	if lease == nil {
		lease = repository.NoopLease{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweeper{
		repo:      repo,
		lease:     lease,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		stop:      make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine until ctx is canceled or Stop
// is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Info("lock sweeper started",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.batchSize),
	)
}

// Stop ends the loop, waits for an in-flight sweep and gives up the lease.
// Calls after the first do nothing.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.lease.Release(ctx); err != nil {
			s.logger.Warn("failed to release sweeper lease", slog.String("error", err.Error()))
		}
	})
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("lock sweep error", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs one sweep and returns how many locks it deleted. Up to
// batchSize expired locks are listed and every session they belong to is
// swept as a whole, so a session is never left partly released. Sessions
// confirmed or released between listing and deleting are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	held, err := s.lease.Acquire(ctx, s.interval)
	switch {
	case err != nil:
		s.logger.Warn("sweeper lease unavailable, sweeping anyway", slog.String("error", err.Error()))
	case !held:
		s.logger.Debug("sweeper lease held by another instance, skipping")
		return 0, nil
	}

	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	expired, err := s.repo.ListExpiredLocks(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	seen := make(map[string]bool)
	var sessions []string
	for _, l := range expired {
		if !seen[l.SessionID] {
			seen[l.SessionID] = true
			sessions = append(sessions, l.SessionID)
		}
	}
	sort.Strings(sessions)

	deleted, swept := 0, 0
	for _, sessionID := range sessions {
		locks, err := s.repo.DeleteExpiredSessionLocks(ctx, sessionID, now)
		if err != nil {
			locksExpired.Add(float64(deleted))
			return deleted, fmt.Errorf("delete expired locks of session %s: %w", sessionID, err)
		}
		if len(locks) == 0 {
			continue
		}
		deleted += len(locks)
		swept++

		sctx := logger.WithSessionID(ctx, sessionID)
		if err := s.publisher.PublishLocksExpired(sctx, sessionID, locks); err != nil {
			logger.WithContext(sctx, s.logger).ErrorContext(sctx, "failed to publish locks_expired event",
				slog.String("error", err.Error()),
			)
		}
	}
	locksExpired.Add(float64(deleted))

	if deleted > 0 {
		s.logger.Info("expired locks swept",
			slog.Int("deleted", deleted),
			slog.Int("sessions", swept),
		)
	}
	return deleted, nil
}
