package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Mocks ---

type mockLease struct {
	mock.Mock
}

func (m *mockLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLease) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishLocksExpired(ctx context.Context, sessionID string, locks []domain.BatchLock) error {
	return m.Called(ctx, sessionID, locks).Error(0)
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seed(t *testing.T, locks ...domain.BatchLock) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	store.PutStock(domain.Stock{ID: "s1", ProductID: "p1", WarehouseID: "w1", Quantity: 10})
	store.PutBatch(domain.StockBatch{ID: "b1", StockID: "s1", Quantity: 10, Status: domain.BatchStatusActive})

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertLocks(ctx, locks))
	require.NoError(t, tx.Commit(ctx))
	return store
}

func lock(id, session string, qty int, expiresAt time.Time) domain.BatchLock {
	return domain.BatchLock{
		ID: id, SessionID: session, BatchID: "b1", StockID: "s1", WarehouseID: "w1",
		Quantity: qty, CreatedAt: t0.Add(-15 * time.Minute), ExpiresAt: expiresAt,
	}
}

func newTestSweeper(store *memory.Store, lease *mockLease, pub *mockPublisher) *Sweeper {
	var s *Sweeper
	if lease == nil {
		s = New(store, nil, pub, newTestLogger(), time.Minute, 100)
	} else {
		s = New(store, lease, pub, newTestLogger(), time.Minute, 100)
	}
	s.now = func() time.Time { return t0 }
	return s
}

// --- Tests ---

func TestRunOnce_DeletesOnlyExpiredLocks(t *testing.T) {
	store := seed(t,
		lock("l1", "chk-1", 3, t0.Add(-2*time.Minute)),
		lock("l2", "chk-1", 2, t0.Add(-time.Minute)),
		lock("l3", "chk-2", 4, t0.Add(-time.Second)),
		lock("l4", "chk-3", 1, t0.Add(time.Minute)),
	)
	pub := new(mockPublisher)
	pub.On("PublishLocksExpired", mock.Anything, "chk-1", mock.MatchedBy(func(l []domain.BatchLock) bool { return len(l) == 2 })).Return(nil).Once()
	pub.On("PublishLocksExpired", mock.Anything, "chk-2", mock.MatchedBy(func(l []domain.BatchLock) bool { return len(l) == 1 })).Return(nil).Once()

	n, err := newTestSweeper(store, nil, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	pub.AssertExpectations(t)

	remaining, err := store.SessionLocks(context.Background(), "chk-3")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	// Quantities are untouched.
	b, err := store.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 10, b.Quantity)
	avail, err := store.AvailableQuantity(context.Background(), "b1", t0)
	require.NoError(t, err)
	assert.Equal(t, 9, avail)
}

func TestRunOnce_SweepsWholeSessionBeyondBatchSize(t *testing.T) {
	store := seed(t,
		lock("l1", "chk-1", 3, t0.Add(-2*time.Minute)),
		lock("l2", "chk-1", 2, t0.Add(-2*time.Minute)),
	)
	pub := new(mockPublisher)
	pub.On("PublishLocksExpired", mock.Anything, "chk-1", mock.MatchedBy(func(l []domain.BatchLock) bool { return len(l) == 2 })).Return(nil).Once()

	sw := New(store, nil, pub, newTestLogger(), time.Minute, 1)
	sw.now = func() time.Time { return t0 }

	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	pub.AssertExpectations(t)

	left, err := store.SessionLocks(context.Background(), "chk-1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunOnce_SkipsSessionWithLiveLock(t *testing.T) {
	store := seed(t,
		lock("l1", "chk-1", 3, t0.Add(-time.Minute)),
		lock("l2", "chk-1", 2, t0.Add(time.Minute)),
	)
	pub := new(mockPublisher)

	n, err := newTestSweeper(store, nil, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	pub.AssertNotCalled(t, "PublishLocksExpired", mock.Anything, mock.Anything, mock.Anything)

	left, err := store.SessionLocks(context.Background(), "chk-1")
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestRunOnce_NothingExpired(t *testing.T) {
	store := seed(t, lock("l1", "chk-1", 3, t0.Add(time.Minute)))
	pub := new(mockPublisher)

	n, err := newTestSweeper(store, nil, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	pub.AssertNotCalled(t, "PublishLocksExpired", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnce_IsIdempotent(t *testing.T) {
	store := seed(t, lock("l1", "chk-1", 3, t0.Add(-time.Minute)))
	pub := new(mockPublisher)
	pub.On("PublishLocksExpired", mock.Anything, "chk-1", mock.Anything).Return(nil).Once()

	sw := newTestSweeper(store, nil, pub)
	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	pub.AssertExpectations(t)
}

func TestRunOnce_PublishFailureIsLogged(t *testing.T) {
	store := seed(t, lock("l1", "chk-1", 3, t0.Add(-time.Minute)))
	pub := new(mockPublisher)
	pub.On("PublishLocksExpired", mock.Anything, "chk-1", mock.Anything).Return(errors.New("broker down"))

	n, err := newTestSweeper(store, nil, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnce_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	store := seed(t, lock("l1", "chk-1", 3, t0.Add(-time.Minute)))
	lease := new(mockLease)
	lease.On("Acquire", mock.Anything, time.Minute).Return(false, nil)
	pub := new(mockPublisher)

	n, err := newTestSweeper(store, lease, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	locks, err := store.SessionLocks(context.Background(), "chk-1")
	require.NoError(t, err)
	assert.Len(t, locks, 1)
	lease.AssertExpectations(t)
}

func TestRunOnce_SweepsWhenLeaseErrors(t *testing.T) {
	store := seed(t, lock("l1", "chk-1", 3, t0.Add(-time.Minute)))
	lease := new(mockLease)
	lease.On("Acquire", mock.Anything, time.Minute).Return(false, errors.New("redis down"))
	pub := new(mockPublisher)
	pub.On("PublishLocksExpired", mock.Anything, "chk-1", mock.Anything).Return(nil)

	n, err := newTestSweeper(store, lease, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartStop(t *testing.T) {
	store := seed(t, lock("l1", "chk-1", 3, t0.Add(-time.Minute)))
	lease := new(mockLease)
	lease.On("Acquire", mock.Anything, mock.Anything).Return(true, nil)
	lease.On("Release", mock.Anything).Return(nil).Once()
	pub := new(mockPublisher)
	pub.On("PublishLocksExpired", mock.Anything, "chk-1", mock.Anything).Return(nil)

	sw := New(store, lease, pub, newTestLogger(), 10*time.Millisecond, 10)
	sw.now = func() time.Time { return t0 }
	sw.Start(context.Background())

	assert.Eventually(t, func() bool {
		locks, err := store.SessionLocks(context.Background(), "chk-1")
		return err == nil && len(locks) == 0
	}, time.Second, 5*time.Millisecond)

	sw.Stop()
	sw.Stop()
	lease.AssertNumberOfCalls(t, "Release", 1)
}
