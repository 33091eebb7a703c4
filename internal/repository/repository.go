package repository

import (
	"context"
	"time"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
)

// BatchRepository reads batch and lock state outside of a transaction. Its
// results are advisory; the authoritative check runs inside a Tx.
type BatchRepository interface {
	// ActiveBatches returns the sellable batches of a stock at now, in FEFO
	// order, each with the quantity held by unexpired locks.
	ActiveBatches(ctx context.Context, stockID string, now time.Time) ([]domain.BatchAvailability, error)

	// GetBatch retrieves a batch by ID.
	GetBatch(ctx context.Context, batchID string) (*domain.StockBatch, error)

	// AvailableQuantity returns the batch quantity minus unexpired locks,
	// floored at zero.
	AvailableQuantity(ctx context.Context, batchID string, now time.Time) (int, error)

	// UpdateBatchStatus sets the status of a batch.
	UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, now time.Time) (*domain.StockBatch, error)

	// SessionLocks returns every lock held by a session, expired or not.
	SessionLocks(ctx context.Context, sessionID string) ([]domain.BatchLock, error)
}

// ExpiredLockRepository is used by the sweeper.
type ExpiredLockRepository interface {
	// ListExpiredLocks returns up to limit locks with expires_at before now,
	// oldest first.
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]domain.BatchLock, error)

	// DeleteExpiredSessionLocks deletes every lock of the session, but only
	// if all of them are expired at now, and returns what it deleted. A
	// session confirmed, released or extended meanwhile yields nothing.
	DeleteExpiredSessionLocks(ctx context.Context, sessionID string, now time.Time) ([]domain.BatchLock, error)
}

// StockCatalog resolves items to the stock rows that hold them.
type StockCatalog interface {
	// StocksForItem returns one stock per warehouse holding the item.
	StocksForItem(ctx context.Context, item domain.ItemRef) ([]domain.Stock, error)

	// GetStock retrieves a stock by ID.
	GetStock(ctx context.Context, stockID string) (*domain.Stock, error)
}

// WarehouseRegistry returns warehouse metadata.
type WarehouseRegistry interface {
	// ListWarehouses returns the warehouses with the given IDs. Unknown IDs
	// are omitted.
	ListWarehouses(ctx context.Context, ids []string) ([]domain.Warehouse, error)
}

// TxManager opens transactions. The caller owns the returned Tx and must
// Commit or Rollback it.
type TxManager interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work over batches, locks and stocks. Transient conflicts
// are reported as errors matching domain.ErrConcurrencyConflict.
type Tx interface {
	// SessionLockCount serializes work on a session for the rest of the
	// transaction and returns how many locks it holds.
	SessionLockCount(ctx context.Context, sessionID string) (int, error)

	// LockBatches row-locks the batches in ID order and returns them. IDs
	// that do not exist are omitted.
	LockBatches(ctx context.Context, batchIDs []string) ([]domain.StockBatch, error)

	// LockedQuantities sums unexpired locks per batch.
	LockedQuantities(ctx context.Context, batchIDs []string, now time.Time) (map[string]int, error)

	// InsertLocks creates the locks.
	InsertLocks(ctx context.Context, locks []domain.BatchLock) error

	// DeleteSessionLocks deletes and returns every lock of a session.
	DeleteSessionLocks(ctx context.Context, sessionID string) ([]domain.BatchLock, error)

	// DecrementBatch lowers a batch quantity by qty, flooring at zero.
	DecrementBatch(ctx context.Context, batchID string, qty int, now time.Time) error

	// DecrementStock lowers the cached stock total by qty, flooring at zero,
	// and returns the updated row.
	DecrementStock(ctx context.Context, stockID string, qty int, now time.Time) (*domain.Stock, error)

	// RecordMovement appends a stock movement.
	RecordMovement(ctx context.Context, m *domain.StockMovement) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is everything the allocation service needs from storage.
type Store interface {
	BatchRepository
	ExpiredLockRepository
	StockCatalog
	WarehouseRegistry
	TxManager
}

// Lease is a time-bounded exclusive right held by one process.
type Lease interface {
	// Acquire takes the lease for ttl. It reports false if another holder
	// has it.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)

	// Release gives the lease up if this process still holds it.
	Release(ctx context.Context) error
}

// NoopLease is always acquired. It is used when only one process runs.
type NoopLease struct{}

func (NoopLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }
func (NoopLease) Release(context.Context) error                        { return nil }
