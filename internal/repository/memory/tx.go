package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
)

// ErrTxDone is returned by any call on a committed or rolled back Tx.
var ErrTxDone = errors.New("transaction already finished")

// Tx applies writes to the store immediately and records an undo step for
// each. Rows it has locked stay locked until Commit or Rollback.
type Tx struct {
	store    *Store
	rows     map[string]bool
	sessions map[string]bool
	undo     []func()
	done     bool
}

var _ repository.Tx = (*Tx)(nil)

func (t *Tx) lockRow(ctx context.Context, batchID string) error {
	if t.rows[batchID] {
		return nil
	}
	if err := t.store.acquire(ctx, t.store.rowLocks, batchID); err != nil {
		return err
	}
	t.rows[batchID] = true
	return nil
}

func (t *Tx) lockSession(ctx context.Context, sessionID string) error {
	if t.sessions[sessionID] {
		return nil
	}
	if err := t.store.acquire(ctx, t.store.sessionLocks, sessionID); err != nil {
		return err
	}
	t.sessions[sessionID] = true
	return nil
}

// SessionLockCount serializes the session for this transaction and counts
// its locks.
func (t *Tx) SessionLockCount(ctx context.Context, sessionID string) (int, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if err := t.lockSession(ctx, sessionID); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessionLocksLocked(sessionID)), nil
}

// LockBatches row-locks the batches in ID order and returns those that exist.
func (t *Tx) LockBatches(ctx context.Context, batchIDs []string) ([]domain.StockBatch, error) {
	if t.done {
		return nil, ErrTxDone
	}
	ids := append([]string(nil), batchIDs...)
	sort.Strings(ids)

	for _, id := range ids {
		if err := t.lockRow(ctx, id); err != nil {
			return nil, err
		}
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StockBatch
	for _, id := range ids {
		if b, ok := s.batches[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// LockedQuantities sums unexpired locks per batch.
func (t *Tx) LockedQuantities(_ context.Context, batchIDs []string, now time.Time) (map[string]int, error) {
	if t.done {
		return nil, ErrTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(batchIDs))
	for _, id := range batchIDs {
		if n := s.lockedLocked(id, now); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

// InsertLocks creates the locks. IDs must be unique.
func (t *Tx) InsertLocks(_ context.Context, locks []domain.BatchLock) error {
	if t.done {
		return ErrTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range locks {
		if _, exists := s.locks[l.ID]; exists {
			return apperrors.Conflict("lock " + l.ID + " already exists")
		}
		if l.Quantity <= 0 {
			return apperrors.InvalidInput("locked quantity must be positive")
		}
	}
	for _, l := range locks {
		s.locks[l.ID] = l
		id := l.ID
		t.undo = append(t.undo, func() { delete(s.locks, id) })
	}
	return nil
}

// DeleteSessionLocks row-locks every batch the session holds, then deletes
// and returns its locks.
func (t *Tx) DeleteSessionLocks(ctx context.Context, sessionID string) ([]domain.BatchLock, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.lockSession(ctx, sessionID); err != nil {
		return nil, err
	}

	s := t.store
	s.mu.Lock()
	held := s.sessionLocksLocked(sessionID)
	s.mu.Unlock()

	// Another transaction decrementing the same batch must not observe the
	// lock gone before the quantity changes.
	for _, l := range held {
		if err := t.lockRow(ctx, l.BatchID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	locks := s.sessionLocksLocked(sessionID)
	for _, l := range locks {
		delete(s.locks, l.ID)
		restored := l
		t.undo = append(t.undo, func() { s.locks[restored.ID] = restored })
	}
	return locks, nil
}

// DecrementBatch lowers a batch quantity, flooring at zero.
func (t *Tx) DecrementBatch(ctx context.Context, batchID string, qty int, now time.Time) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.lockRow(ctx, batchID); err != nil {
		return err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch", batchID)
	}
	applied := min(b.Quantity, qty)
	b.Quantity -= applied
	b.UpdatedAt = now
	s.batches[batchID] = b
	t.undo = append(t.undo, func() {
		b := s.batches[batchID]
		b.Quantity += applied
		s.batches[batchID] = b
	})
	return nil
}

// DecrementStock lowers the cached stock total, flooring at zero.
func (t *Tx) DecrementStock(_ context.Context, stockID string, qty int, now time.Time) (*domain.Stock, error) {
	if t.done {
		return nil, ErrTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[stockID]
	if !ok {
		return nil, apperrors.NotFound("stock", stockID)
	}
	applied := min(st.Quantity, qty)
	st.Quantity -= applied
	st.UpdatedAt = now
	s.stocks[stockID] = st
	t.undo = append(t.undo, func() {
		st := s.stocks[stockID]
		st.Quantity += applied
		s.stocks[stockID] = st
	})
	return &st, nil
}

// RecordMovement appends a stock movement.
func (t *Tx) RecordMovement(_ context.Context, m *domain.StockMovement) error {
	if t.done {
		return ErrTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.movements = append(s.movements, *m)
	id := m.ID
	t.undo = append(t.undo, func() {
		for i := range s.movements {
			if s.movements[i].ID == id {
				s.movements = append(s.movements[:i], s.movements[i+1:]...)
				return
			}
		}
	})
	return nil
}

// Commit keeps the writes and releases row locks.
func (t *Tx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.finish()
	return nil
}

// Rollback reverts the writes in reverse order and releases row locks. It
// is a no-op after Commit.
func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	s := t.store
	s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	s.mu.Unlock()
	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.done = true
	t.undo = nil
	for id := range t.rows {
		t.store.release(t.store.rowLocks, id)
	}
	for id := range t.sessions {
		t.store.release(t.store.sessionLocks, id)
	}
	t.rows = nil
	t.sessions = nil
}
