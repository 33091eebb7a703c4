// Package memory is a single-process repository.Store. Batch row locks are
// held until Commit or Rollback, so it behaves like the PostgreSQL store
// under concurrent callers.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/utafrali/EcommerceGo/warehouse/internal/allocation"
	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
)

// Store keeps all state in maps guarded by mu. rowLocks and sessionLocks
// hold a context-aware mutex per key while anyone holds or waits for it.
type Store struct {
	mu           sync.Mutex
	warehouses   map[string]domain.Warehouse
	stocks       map[string]domain.Stock
	batches      map[string]domain.StockBatch
	locks        map[string]domain.BatchLock
	movements    []domain.StockMovement
	rowLocks     map[string]*keyedSlot
	sessionLocks map[string]*keyedSlot
}

// keyedSlot is a one-slot channel plus the number of holders and waiters.
// It is removed from its table when refs drops to zero.
type keyedSlot struct {
	ch   chan struct{}
	refs int
}

var _ repository.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		warehouses:   make(map[string]domain.Warehouse),
		stocks:       make(map[string]domain.Stock),
		batches:      make(map[string]domain.StockBatch),
		locks:        make(map[string]domain.BatchLock),
		rowLocks:     make(map[string]*keyedSlot),
		sessionLocks: make(map[string]*keyedSlot),
	}
}

// ---------------------------------------------------------------------------
// Seeding
// ---------------------------------------------------------------------------

// PutWarehouse inserts or replaces a warehouse.
func (s *Store) PutWarehouse(w domain.Warehouse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warehouses[w.ID] = w
}

// PutStock inserts or replaces a stock.
func (s *Store) PutStock(st domain.Stock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stocks[st.ID] = st
}

// PutBatch inserts or replaces a batch.
func (s *Store) PutBatch(b domain.StockBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
}

// Movements returns a copy of every recorded stock movement.
func (s *Store) Movements() []domain.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StockMovement(nil), s.movements...)
}

// ---------------------------------------------------------------------------
// BatchRepository
// ---------------------------------------------------------------------------

func (s *Store) lockedLocked(batchID string, now time.Time) int {
	total := 0
	for _, l := range s.locks {
		if l.BatchID == batchID && !l.IsExpiredAt(now) {
			total += l.Quantity
		}
	}
	return total
}

// ActiveBatches returns the sellable batches of a stock in FEFO order.
func (s *Store) ActiveBatches(ctx context.Context, stockID string, now time.Time) ([]domain.BatchAvailability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BatchAvailability
	for _, b := range s.batches {
		if b.StockID != stockID || !b.IsSellable(now) {
			continue
		}
		locked := s.lockedLocked(b.ID, now)
		out = append(out, domain.BatchAvailability{
			Batch:     b,
			Locked:    locked,
			Available: domain.Availability(b.Quantity, locked),
		})
	}
	allocation.SortFEFO(out)
	return out, nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(_ context.Context, batchID string) (*domain.StockBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, apperrors.NotFound("batch", batchID)
	}
	return &b, nil
}

// AvailableQuantity returns the batch quantity minus unexpired locks.
func (s *Store) AvailableQuantity(_ context.Context, batchID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return 0, apperrors.NotFound("batch", batchID)
	}
	return domain.Availability(b.Quantity, s.lockedLocked(batchID, now)), nil
}

// UpdateBatchStatus sets the status of a batch. It waits for any
// transaction holding the batch row.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, now time.Time) (*domain.StockBatch, error) {
	if err := s.acquire(ctx, s.rowLocks, batchID); err != nil {
		return nil, err
	}
	defer s.release(s.rowLocks, batchID)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, apperrors.NotFound("batch", batchID)
	}
	b.Status = status
	b.UpdatedAt = now
	s.batches[batchID] = b
	return &b, nil
}

// SessionLocks returns every lock held by a session, ordered by batch ID.
func (s *Store) SessionLocks(_ context.Context, sessionID string) ([]domain.BatchLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocksLocked(sessionID), nil
}

func (s *Store) sessionLocksLocked(sessionID string) []domain.BatchLock {
	var out []domain.BatchLock
	for _, l := range s.locks {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ---------------------------------------------------------------------------
// ExpiredLockRepository
// ---------------------------------------------------------------------------

// ListExpiredLocks returns up to limit locks that expired before now.
func (s *Store) ListExpiredLocks(_ context.Context, now time.Time, limit int) ([]domain.BatchLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BatchLock
	for _, l := range s.locks {
		if l.ExpiresAt.Before(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExpiredSessionLocks deletes all locks of the session if every one
// of them expired before now. It waits for any transaction holding the
// session.
func (s *Store) DeleteExpiredSessionLocks(ctx context.Context, sessionID string, now time.Time) ([]domain.BatchLock, error) {
	if err := s.acquire(ctx, s.sessionLocks, sessionID); err != nil {
		return nil, err
	}
	defer s.release(s.sessionLocks, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	locks := s.sessionLocksLocked(sessionID)
	for _, l := range locks {
		if !l.ExpiresAt.Before(now) {
			return nil, nil
		}
	}
	for _, l := range locks {
		delete(s.locks, l.ID)
	}
	return locks, nil
}

// ---------------------------------------------------------------------------
// StockCatalog / WarehouseRegistry
// ---------------------------------------------------------------------------

// StocksForItem returns the stock rows of an item ordered by warehouse.
func (s *Store) StocksForItem(_ context.Context, item domain.ItemRef) ([]domain.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Stock
	for _, st := range s.stocks {
		if st.ProductID == item.ProductID && st.VariantID == item.VariantID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out, nil
}

// GetStock retrieves a stock by ID.
func (s *Store) GetStock(_ context.Context, stockID string) (*domain.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[stockID]
	if !ok {
		return nil, apperrors.NotFound("stock", stockID)
	}
	return &st, nil
}

// ListWarehouses returns the known warehouses among ids, ordered by ID.
func (s *Store) ListWarehouses(_ context.Context, ids []string) ([]domain.Warehouse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Warehouse
	for _, id := range ids {
		if w, ok := s.warehouses[id]; ok {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Row locks
// ---------------------------------------------------------------------------

func (s *Store) acquire(ctx context.Context, table map[string]*keyedSlot, key string) error {
	s.mu.Lock()
	slot, ok := table[key]
	if !ok {
		slot = &keyedSlot{ch: make(chan struct{}, 1)}
		table[key] = slot
	}
	slot.refs++
	s.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.unref(table, key, slot)
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Store) release(table map[string]*keyedSlot, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := table[key]
	if !ok {
		return
	}
	<-slot.ch
	s.unref(table, key, slot)
}

// unref must be called with mu held.
func (s *Store) unref(table map[string]*keyedSlot, key string, slot *keyedSlot) {
	slot.refs--
	if slot.refs == 0 {
		delete(table, key)
	}
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{
		store:    s,
		rows:     make(map[string]bool),
		sessions: make(map[string]bool),
	}, nil
}
