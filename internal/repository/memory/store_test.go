package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
)

var now = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	s.PutWarehouse(domain.Warehouse{ID: "wh-1", Name: "Main", Code: "MAIN", Active: true})
	s.PutStock(domain.Stock{ID: "stock-1", ProductID: "prod-1", WarehouseID: "wh-1", Quantity: 15, LowStockThreshold: 3})

	soon := now.Add(24 * time.Hour)
	later := now.Add(72 * time.Hour)
	past := now.Add(-time.Hour)
	s.PutBatch(domain.StockBatch{ID: "b-late", StockID: "stock-1", ExpiresAt: &later, Quantity: 10, Status: domain.BatchStatusActive})
	s.PutBatch(domain.StockBatch{ID: "b-soon", StockID: "stock-1", ExpiresAt: &soon, Quantity: 5, Status: domain.BatchStatusActive})
	s.PutBatch(domain.StockBatch{ID: "b-old", StockID: "stock-1", ExpiresAt: &past, Quantity: 8, Status: domain.BatchStatusActive})
	s.PutBatch(domain.StockBatch{ID: "b-recalled", StockID: "stock-1", Quantity: 8, Status: domain.BatchStatusRecalled})
	return s
}

func lock(id, session, batchID string, qty int, expiresAt time.Time) domain.BatchLock {
	return domain.BatchLock{
		ID: id, SessionID: session, BatchID: batchID, StockID: "stock-1", WarehouseID: "wh-1",
		Quantity: qty, CreatedAt: now, ExpiresAt: expiresAt,
	}
}

func insert(t *testing.T, s *Store, locks ...domain.BatchLock) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertLocks(ctx, locks))
	require.NoError(t, tx.Commit(ctx))
}

// ============================================================================
// Reads
// ============================================================================

func TestStore_ActiveBatches_FEFOAndSellable(t *testing.T) {
	s := seeded(t)
	insert(t, s,
		lock("l1", "chk-1", "b-soon", 2, now.Add(time.Minute)),
		lock("l2", "chk-2", "b-soon", 3, now.Add(-time.Second)),
	)

	got, err := s.ActiveBatches(context.Background(), "stock-1", now)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "b-soon", got[0].Batch.ID)
	assert.Equal(t, 2, got[0].Locked, "expired lock is ignored")
	assert.Equal(t, 3, got[0].Available)
	assert.Equal(t, "b-late", got[1].Batch.ID)
}

func TestStore_AvailableQuantity(t *testing.T) {
	s := seeded(t)
	insert(t, s, lock("l1", "chk-1", "b-late", 4, now.Add(time.Minute)))

	n, err := s.AvailableQuantity(context.Background(), "b-late", now)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = s.AvailableQuantity(context.Background(), "missing", now)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_UpdateBatchStatus(t *testing.T) {
	s := seeded(t)

	b, err := s.UpdateBatchStatus(context.Background(), "b-late", domain.BatchStatusDamaged, now)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusDamaged, b.Status)

	active, err := s.ActiveBatches(context.Background(), "stock-1", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b-soon", active[0].Batch.ID)
}

func TestStore_StocksAndWarehouses(t *testing.T) {
	s := seeded(t)
	s.PutStock(domain.Stock{ID: "stock-0", ProductID: "prod-1", WarehouseID: "wh-0"})
	s.PutStock(domain.Stock{ID: "stock-x", ProductID: "prod-1", VariantID: "red", WarehouseID: "wh-1"})

	stocks, err := s.StocksForItem(context.Background(), domain.ItemRef{ProductID: "prod-1"})
	require.NoError(t, err)
	require.Len(t, stocks, 2)
	assert.Equal(t, "wh-0", stocks[0].WarehouseID)

	whs, err := s.ListWarehouses(context.Background(), []string{"wh-1", "wh-unknown"})
	require.NoError(t, err)
	require.Len(t, whs, 1)
	assert.Equal(t, "MAIN", whs[0].Code)
}

// ============================================================================
// Expired locks
// ============================================================================

func TestStore_ExpiredLocks(t *testing.T) {
	s := seeded(t)
	insert(t, s,
		lock("old-1", "chk-1", "b-soon", 1, now.Add(-2*time.Minute)),
		lock("old-2", "chk-1", "b-late", 1, now.Add(-time.Minute)),
		lock("fresh", "chk-2", "b-late", 1, now.Add(time.Minute)),
	)
	ctx := context.Background()

	expired, err := s.ListExpiredLocks(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old-1", expired[0].ID)

	deleted, err := s.DeleteExpiredSessionLocks(ctx, "chk-2", now)
	require.NoError(t, err)
	assert.Empty(t, deleted, "unexpired session is kept")

	deleted, err = s.DeleteExpiredSessionLocks(ctx, "chk-1", now)
	require.NoError(t, err)
	assert.Len(t, deleted, 2, "the whole session goes at once")

	deleted, err = s.DeleteExpiredSessionLocks(ctx, "chk-1", now)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	left, err := s.SessionLocks(ctx, "chk-2")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestStore_DeleteExpiredSessionLocks_KeepsPartlyLiveSession(t *testing.T) {
	s := seeded(t)
	insert(t, s,
		lock("l1", "chk-1", "b-soon", 1, now.Add(-time.Minute)),
		lock("l2", "chk-1", "b-late", 1, now.Add(time.Minute)),
	)

	deleted, err := s.DeleteExpiredSessionLocks(context.Background(), "chk-1", now)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	left, err := s.SessionLocks(context.Background(), "chk-1")
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestStore_DeleteExpiredSessionLocks_WaitsForSessionTx(t *testing.T) {
	s := seeded(t)
	insert(t, s, lock("l1", "chk-1", "b-soon", 2, now.Add(-time.Minute)))
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	claimed, err := tx.DeleteSessionLocks(ctx, "chk-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	result := make(chan []domain.BatchLock, 1)
	go func() {
		deleted, err := s.DeleteExpiredSessionLocks(ctx, "chk-1", now)
		assert.NoError(t, err)
		result <- deleted
	}()

	select {
	case <-result:
		t.Fatal("sweep must wait for the transaction holding the session")
	case <-time.After(50 * time.Millisecond):
	}

	// Rolling back restores the lock, which the waiting sweep then removes.
	require.NoError(t, tx.Rollback(ctx))
	assert.Len(t, <-result, 1)
}

func TestStore_RowSlotsAreFreed(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.SessionLockCount(ctx, fmt.Sprintf("chk-%d", i))
		require.NoError(t, err)
		_, err = tx.LockBatches(ctx, []string{"b-soon", "b-late"})
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
	}
	assert.Zero(t, slotCount(s))

	// A waiter that gives up drops its reference too.
	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.LockBatches(ctx, []string{"b-late"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	waiter, err := s.Begin(waitCtx)
	require.NoError(t, err)
	_, err = waiter.LockBatches(waitCtx, []string{"b-late"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, waiter.Rollback(ctx))
	require.NoError(t, holder.Rollback(ctx))
	assert.Zero(t, slotCount(s))

	_, err = s.DeleteExpiredSessionLocks(ctx, "chk-9", now)
	require.NoError(t, err)
	assert.Zero(t, slotCount(s))
}

func slotCount(s *Store) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rowLocks) + len(s.sessionLocks)
}

// ============================================================================
// Transactions
// ============================================================================

func TestTx_RollbackRestoresState(t *testing.T) {
	s := seeded(t)
	insert(t, s, lock("l1", "chk-1", "b-soon", 2, now.Add(time.Minute)))
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	locks, err := tx.DeleteSessionLocks(ctx, "chk-1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.NoError(t, tx.DecrementBatch(ctx, "b-soon", 2, now))
	st, err := tx.DecrementStock(ctx, "stock-1", 2, now)
	require.NoError(t, err)
	assert.Equal(t, 13, st.Quantity)
	require.NoError(t, tx.RecordMovement(ctx, &domain.StockMovement{ID: "mv-1", StockID: "stock-1", QuantityChange: -2}))

	require.NoError(t, tx.Rollback(ctx))

	b, err := s.GetBatch(ctx, "b-soon")
	require.NoError(t, err)
	assert.Equal(t, 5, b.Quantity)
	stock, err := s.GetStock(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, 15, stock.Quantity)
	held, err := s.SessionLocks(ctx, "chk-1")
	require.NoError(t, err)
	assert.Len(t, held, 1)
	assert.Empty(t, s.Movements())
}

func TestTx_DecrementFloorsAtZero(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DecrementBatch(ctx, "b-soon", 50, now))
	st, err := tx.DecrementStock(ctx, "stock-1", 50, now)
	require.NoError(t, err)
	assert.Zero(t, st.Quantity)
	require.NoError(t, tx.Commit(ctx))

	b, err := s.GetBatch(ctx, "b-soon")
	require.NoError(t, err)
	assert.Zero(t, b.Quantity)
}

func TestTx_LockBatchesBlocksSecondTx(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	got, err := tx1.LockBatches(ctx, []string{"b-soon", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		tx2, err := s.Begin(ctx)
		if err != nil {
			return
		}
		if _, err := tx2.LockBatches(ctx, []string{"b-soon"}); err == nil {
			acquired.Store(true)
		}
		_ = tx2.Rollback(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load(), "second tx must wait for the row")

	require.NoError(t, tx1.Commit(ctx))
	<-done
	assert.True(t, acquired.Load())
}

func TestTx_LockBatchesHonoursContext(t *testing.T) {
	s := seeded(t)

	tx1, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx1.LockBatches(context.Background(), []string{"b-late"})
	require.NoError(t, err)
	defer func() { _ = tx1.Rollback(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.LockBatches(ctx, []string{"b-late"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, tx2.Rollback(context.Background()))
}

func TestTx_SessionLockCount(t *testing.T) {
	s := seeded(t)
	insert(t, s,
		lock("l1", "chk-1", "b-soon", 1, now.Add(time.Minute)),
		lock("l2", "chk-1", "b-late", 1, now.Add(time.Minute)),
	)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.SessionLockCount(ctx, "chk-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, tx.Commit(ctx))

	_, err = tx.SessionLockCount(ctx, "chk-1")
	assert.ErrorIs(t, err, ErrTxDone)
	assert.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")
}

func TestTx_InsertLocks_RejectsDuplicateID(t *testing.T) {
	s := seeded(t)
	insert(t, s, lock("l1", "chk-1", "b-soon", 1, now.Add(time.Minute)))
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	err = tx.InsertLocks(ctx, []domain.BatchLock{lock("l1", "chk-2", "b-late", 1, now.Add(time.Minute))})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	require.NoError(t, tx.Rollback(ctx))
}
