package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

// lockRequest is the total asked of one batch.
type lockRequest struct {
	batchID     string
	stockID     string
	warehouseID string
	quantity    int
}

// LockStockFromBatches locks every batch quantity in plan for the session,
// all or nothing. Availability is re-checked under row locks, so a plan
// computed by Allocate may still fail with an *domain.InsufficientStockError
// naming the batch that fell short.
func (s *AllocationService) LockStockFromBatches(ctx context.Context, sessionID string, plan domain.LockPlan) (_ []domain.BatchLock, err error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session_id is required")
	}
	ctx = logger.WithSessionID(ctx, sessionID)
	ctx, end := startSpan(ctx, "AllocationService.LockStockFromBatches", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("stocks", len(plan)),
	))
	defer func() { end(err) }()

	requests, err := s.buildLockRequests(ctx, plan)
	if err != nil {
		return nil, err
	}

	var locks []domain.BatchLock
	err = s.retryOnConflict(ctx, "lock", func(ctx context.Context) error {
		var err error
		locks, err = s.lockOnce(ctx, sessionID, requests)
		return err
	})
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		first := requests[0]
		requested := 0
		for _, r := range requests {
			if r.stockID == first.stockID {
				requested += r.quantity
			}
		}
		err = &domain.InsufficientStockError{
			Scope:       domain.ScopeStock,
			StockID:     first.stockID,
			WarehouseID: first.warehouseID,
			Requested:   requested,
			Reason:      "lock contention",
		}
	}
	if err != nil {
		allocationFailures.WithLabelValues("lock", failureReason(err)).Inc()
		return nil, err
	}

	locksCreated.Add(float64(len(locks)))
	log := s.log(ctx)
	log.InfoContext(ctx, "batches locked",
		slog.Int("locks", len(locks)),
		slog.Int("total_quantity", plan.Total()),
		slog.Time("expires_at", locks[0].ExpiresAt),
	)
	if err := s.publisher.PublishBatchesLocked(ctx, sessionID, locks); err != nil {
		log.ErrorContext(ctx, "failed to publish batches_locked event", slog.String("error", err.Error()))
	}
	return locks, nil
}

// buildLockRequests validates plan and folds it into one request per batch,
// ordered by batch ID.
func (s *AllocationService) buildLockRequests(ctx context.Context, plan domain.LockPlan) ([]lockRequest, error) {
	if len(plan) == 0 {
		return nil, apperrors.InvalidInput("at least one batch is required")
	}

	stockIDs := make([]string, 0, len(plan))
	for stockID := range plan {
		stockIDs = append(stockIDs, stockID)
	}
	sort.Strings(stockIDs)

	byBatch := make(map[string]*lockRequest)
	for _, stockID := range stockIDs {
		entries := plan[stockID]
		if stockID == "" {
			return nil, apperrors.InvalidInput("stock_id is required")
		}
		if len(entries) == 0 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("stock %s has no batches", stockID))
		}

		stock, err := s.store.GetStock(ctx, stockID)
		if err != nil {
			return nil, fmt.Errorf("get stock %s: %w", stockID, err)
		}

		for _, e := range entries {
			if e.BatchID == "" {
				return nil, apperrors.InvalidInput(fmt.Sprintf("stock %s: batch_id is required", stockID))
			}
			if e.Quantity <= 0 {
				return nil, apperrors.InvalidInput(fmt.Sprintf("batch %s: quantity must be positive", e.BatchID))
			}
			if e.WarehouseID != "" && e.WarehouseID != stock.WarehouseID {
				return nil, apperrors.InvalidInput(fmt.Sprintf("stock %s is held in warehouse %s, not %s", stockID, stock.WarehouseID, e.WarehouseID))
			}

			req, ok := byBatch[e.BatchID]
			if !ok {
				byBatch[e.BatchID] = &lockRequest{
					batchID:     e.BatchID,
					stockID:     stockID,
					warehouseID: stock.WarehouseID,
					quantity:    e.Quantity,
				}
				continue
			}
			if req.stockID != stockID {
				return nil, apperrors.InvalidInput(fmt.Sprintf("batch %s is listed under stocks %s and %s", e.BatchID, req.stockID, stockID))
			}
			req.quantity += e.Quantity
		}
	}

	requests := make([]lockRequest, 0, len(byBatch))
	for _, r := range byBatch {
		requests = append(requests, *r)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].batchID < requests[j].batchID })
	return requests, nil
}

func (s *AllocationService) lockOnce(ctx context.Context, sessionID string, requests []lockRequest) ([]domain.BatchLock, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	held, err := tx.SessionLockCount(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count session locks: %w", err)
	}
	if held > 0 {
		return nil, fmt.Errorf("session %s holds %d locks: %w", sessionID, held, domain.ErrSessionHasLocks)
	}

	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.batchID
	}

	batches, err := tx.LockBatches(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock batch rows: %w", err)
	}
	byID := make(map[string]domain.StockBatch, len(batches))
	for _, b := range batches {
		byID[b.ID] = b
	}

	now := s.now()
	for _, r := range requests {
		b, ok := byID[r.batchID]
		if !ok {
			return nil, &domain.BatchUnavailableError{BatchID: r.batchID, Reason: "not found"}
		}
		if b.StockID != r.stockID {
			return nil, apperrors.InvalidInput(fmt.Sprintf("batch %s does not belong to stock %s", r.batchID, r.stockID))
		}
		if !b.IsSellable(now) {
			return nil, &domain.BatchUnavailableError{BatchID: b.ID, Status: b.Status, Reason: b.UnavailableReason(now)}
		}
	}

	locked, err := tx.LockedQuantities(ctx, ids, now)
	if err != nil {
		return nil, fmt.Errorf("sum locked quantities: %w", err)
	}

	locks := make([]domain.BatchLock, 0, len(requests))
	expiresAt := now.Add(s.cfg.LockTTL)
	for _, r := range requests {
		available := domain.Availability(byID[r.batchID].Quantity, locked[r.batchID])
		if r.quantity > available {
			return nil, &domain.InsufficientStockError{
				Scope:       domain.ScopeBatch,
				StockID:     r.stockID,
				WarehouseID: r.warehouseID,
				BatchID:     r.batchID,
				Requested:   r.quantity,
				Available:   available,
			}
		}
		locks = append(locks, domain.BatchLock{
			ID:          uuid.New().String(),
			SessionID:   sessionID,
			BatchID:     r.batchID,
			StockID:     r.stockID,
			WarehouseID: r.warehouseID,
			Quantity:    r.quantity,
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
		})
	}

	if err := tx.InsertLocks(ctx, locks); err != nil {
		return nil, fmt.Errorf("insert locks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit locks: %w", err)
	}
	return locks, nil
}

// ConfirmBatchLocks consumes every lock of the session: each batch and its
// stock total are decremented and a stock movement is recorded. A session
// without locks is logged and returns (nil, nil), so redelivered payment
// events are harmless.
//
// Locks that expired but were not yet swept are consumed only if their batch
// still has the units once every other unexpired lock is accounted for. If
// any of them falls short, all of the session's locks are released without
// touching quantities and an *domain.InsufficientStockError is returned.
func (s *AllocationService) ConfirmBatchLocks(ctx context.Context, sessionID string) (_ []domain.BatchLock, err error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session_id is required")
	}
	ctx = logger.WithSessionID(ctx, sessionID)
	ctx, end := startSpan(ctx, "AllocationService.ConfirmBatchLocks", trace.WithAttributes(
		attribute.String("session_id", sessionID),
	))
	defer func() { end(err) }()

	var res confirmResult
	err = s.retryOnConflict(ctx, "confirm", func(ctx context.Context) error {
		var err error
		res, err = s.confirmOnce(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("confirm locks for session %s: %w", sessionID, err)
	}

	log := s.log(ctx)
	locks, stocks := res.locks, res.stocks
	if len(locks) == 0 {
		log.InfoContext(ctx, "nothing to confirm", slog.String("reason", domain.ErrUnknownSession.Error()))
		return nil, nil
	}

	if res.shortfall != nil {
		locksReleased.Add(float64(len(locks)))
		log.WarnContext(ctx, "expired locks could not be honoured, session released",
			slog.String("batch_id", res.shortfall.BatchID),
			slog.Int("requested", res.shortfall.Requested),
			slog.Int("available", res.shortfall.Available),
		)
		if err := s.publisher.PublishLocksReleased(ctx, sessionID, locks); err != nil {
			log.ErrorContext(ctx, "failed to publish locks_released event", slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("confirm locks for session %s: %w", sessionID, res.shortfall)
	}

	locksConfirmed.Add(float64(len(locks)))
	log.InfoContext(ctx, "batch locks confirmed", slog.Int("locks", len(locks)))

	if err := s.publisher.PublishLocksConfirmed(ctx, sessionID, locks); err != nil {
		log.ErrorContext(ctx, "failed to publish locks_confirmed event", slog.String("error", err.Error()))
	}
	for _, st := range stocks {
		if !st.IsLow() {
			continue
		}
		if err := s.publisher.PublishLowStock(ctx, st); err != nil {
			log.ErrorContext(ctx, "failed to publish low_stock event",
				slog.String("stock_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return locks, nil
}

// confirmResult is what one confirm transaction did. When shortfall is set
// the locks were released rather than consumed.
type confirmResult struct {
	locks     []domain.BatchLock
	stocks    []*domain.Stock
	shortfall *domain.InsufficientStockError
}

func (s *AllocationService) confirmOnce(ctx context.Context, sessionID string) (confirmResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return confirmResult{}, fmt.Errorf("begin confirm transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.SessionLockCount(ctx, sessionID); err != nil {
		return confirmResult{}, fmt.Errorf("lock session: %w", err)
	}
	locks, err := tx.DeleteSessionLocks(ctx, sessionID)
	if err != nil {
		return confirmResult{}, fmt.Errorf("claim session locks: %w", err)
	}
	if len(locks) == 0 {
		return confirmResult{}, nil
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].BatchID != locks[j].BatchID {
			return locks[i].BatchID < locks[j].BatchID
		}
		return locks[i].ID < locks[j].ID
	})

	now := s.now()
	perBatch := make(map[string]int)
	perStock := make(map[string]int)
	var batchIDs, stockIDs []string
	for _, l := range locks {
		if _, ok := perBatch[l.BatchID]; !ok {
			batchIDs = append(batchIDs, l.BatchID)
		}
		perBatch[l.BatchID] += l.Quantity
		if _, ok := perStock[l.StockID]; !ok {
			stockIDs = append(stockIDs, l.StockID)
		}
		perStock[l.StockID] += l.Quantity
	}
	sort.Strings(stockIDs)

	if shortfall, err := s.checkExpiredLocks(ctx, tx, locks, batchIDs, now); err != nil {
		return confirmResult{}, err
	} else if shortfall != nil {
		if err := tx.Commit(ctx); err != nil {
			return confirmResult{}, fmt.Errorf("commit release of expired locks: %w", err)
		}
		return confirmResult{locks: locks, shortfall: shortfall}, nil
	}

	for _, id := range batchIDs {
		if err := tx.DecrementBatch(ctx, id, perBatch[id], now); err != nil {
			return confirmResult{}, fmt.Errorf("decrement batch %s: %w", id, err)
		}
	}

	stocks := make([]*domain.Stock, 0, len(stockIDs))
	byStock := make(map[string]*domain.Stock, len(stockIDs))
	for _, id := range stockIDs {
		st, err := tx.DecrementStock(ctx, id, perStock[id], now)
		if err != nil {
			return confirmResult{}, fmt.Errorf("decrement stock %s: %w", id, err)
		}
		stocks = append(stocks, st)
		byStock[id] = st
	}

	for _, l := range locks {
		st := byStock[l.StockID]
		if err := tx.RecordMovement(ctx, &domain.StockMovement{
			ID:             uuid.New().String(),
			StockID:        l.StockID,
			BatchID:        l.BatchID,
			ProductID:      st.ProductID,
			VariantID:      st.VariantID,
			WarehouseID:    l.WarehouseID,
			QuantityChange: -l.Quantity,
			Reason:         domain.MovementReasonOrder,
			ReferenceID:    sessionID,
			CreatedAt:      now,
		}); err != nil {
			return confirmResult{}, fmt.Errorf("record movement for lock %s: %w", l.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return confirmResult{}, fmt.Errorf("commit confirm: %w", err)
	}
	return confirmResult{locks: locks, stocks: stocks}, nil
}

// checkExpiredLocks row-locks the session's batches and verifies that every
// expired lock still fits beside the other sessions' unexpired locks. The
// session's own locks must already be deleted in tx. Unexpired locks were
// counted by every later lock attempt and always fit.
func (s *AllocationService) checkExpiredLocks(ctx context.Context, tx repository.Tx, locks []domain.BatchLock, batchIDs []string, now time.Time) (*domain.InsufficientStockError, error) {
	live := make(map[string]int)
	stale := make(map[string]int)
	first := make(map[string]domain.BatchLock)
	for _, l := range locks {
		if !l.IsExpiredAt(now) {
			live[l.BatchID] += l.Quantity
			continue
		}
		if _, ok := first[l.BatchID]; !ok {
			first[l.BatchID] = l
		}
		stale[l.BatchID] += l.Quantity
	}
	if len(stale) == 0 {
		return nil, nil
	}

	batches, err := tx.LockBatches(ctx, batchIDs)
	if err != nil {
		return nil, fmt.Errorf("lock batches: %w", err)
	}
	byID := make(map[string]domain.StockBatch, len(batches))
	for _, b := range batches {
		byID[b.ID] = b
	}
	others, err := tx.LockedQuantities(ctx, batchIDs, now)
	if err != nil {
		return nil, fmt.Errorf("sum locked quantities: %w", err)
	}

	for _, id := range batchIDs {
		want, ok := stale[id]
		if !ok {
			continue
		}
		l := first[id]
		short := &domain.InsufficientStockError{
			Scope:       domain.ScopeBatch,
			StockID:     l.StockID,
			WarehouseID: l.WarehouseID,
			BatchID:     id,
			Requested:   want,
			Reason:      "lock expired",
		}
		b, ok := byID[id]
		if !ok || !b.IsSellable(now) {
			return short, nil
		}
		short.Available = domain.Availability(b.Quantity, others[id]+live[id])
		if short.Available < want {
			return short, nil
		}
		s.log(ctx).WarnContext(ctx, "confirming expired lock",
			slog.String("lock_id", l.ID),
			slog.String("batch_id", id),
			slog.Time("expired_at", l.ExpiresAt),
		)
	}
	return nil, nil
}

// UnlockAllBatches deletes every lock of the session without touching
// quantities and returns how many were deleted. A session without locks
// returns 0 and no error.
func (s *AllocationService) UnlockAllBatches(ctx context.Context, sessionID string) (_ int, err error) {
	if sessionID == "" {
		return 0, apperrors.InvalidInput("session_id is required")
	}
	ctx = logger.WithSessionID(ctx, sessionID)
	ctx, end := startSpan(ctx, "AllocationService.UnlockAllBatches", trace.WithAttributes(
		attribute.String("session_id", sessionID),
	))
	defer func() { end(err) }()

	var locks []domain.BatchLock
	err = s.retryOnConflict(ctx, "release", func(ctx context.Context) error {
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin release transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		locks, err = tx.DeleteSessionLocks(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("delete session locks: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("release locks for session %s: %w", sessionID, err)
	}

	log := s.log(ctx)
	if len(locks) == 0 {
		log.InfoContext(ctx, "nothing to release", slog.String("reason", domain.ErrUnknownSession.Error()))
		return 0, nil
	}

	locksReleased.Add(float64(len(locks)))
	log.InfoContext(ctx, "batch locks released", slog.Int("locks", len(locks)))
	if err := s.publisher.PublishLocksReleased(ctx, sessionID, locks); err != nil {
		log.ErrorContext(ctx, "failed to publish locks_released event", slog.String("error", err.Error()))
	}
	return len(locks), nil
}

// GetBatchLockInfo summarises the unexpired locks of a session.
func (s *AllocationService) GetBatchLockInfo(ctx context.Context, sessionID string) (*domain.LockInfo, error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session_id is required")
	}
	locks, err := s.store.SessionLocks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get locks for session %s: %w", sessionID, err)
	}
	return domain.SummarizeLocks(sessionID, locks, s.now()), nil
}
