package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/database"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
)

// Tx implements repository.Tx over a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

var _ repository.Tx = (*Tx)(nil)

const sessionLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

// SessionLockCount takes a transaction-scoped advisory lock on the session
// and counts its locks.
func (t *Tx) SessionLockCount(ctx context.Context, sessionID string) (int, error) {
	if _, err := t.tx.Exec(ctx, sessionLockSQL, sessionID); err != nil {
		return 0, wrapErr("lock session", err)
	}

	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM stock_batch_locks WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, wrapErr("count session locks", err)
	}
	return n, nil
}

const lockBatchesSQL = `SELECT ` + batchColumns + ` FROM stock_batches WHERE id = ANY($1) ORDER BY id FOR UPDATE`

// LockBatches row-locks the batches in ID order.
func (t *Tx) LockBatches(ctx context.Context, batchIDs []string) (_ []domain.StockBatch, err error) {
	ctx, end := database.TraceQuery(ctx, "LockBatches", lockBatchesSQL)
	defer func() { end(err) }()

	rows, err := t.tx.Query(ctx, lockBatchesSQL, batchIDs)
	if err != nil {
		return nil, wrapErr("lock batches", err)
	}
	defer rows.Close()

	var out []domain.StockBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan locked batch: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("lock batches", err)
	}
	return out, nil
}

const lockedQuantitiesSQL = `
	SELECT batch_id, SUM(locked_quantity)
	FROM stock_batch_locks
	WHERE batch_id = ANY($1) AND expires_at > $2
	GROUP BY batch_id`

// LockedQuantities sums unexpired locks per batch.
func (t *Tx) LockedQuantities(ctx context.Context, batchIDs []string, now time.Time) (_ map[string]int, err error) {
	ctx, end := database.TraceQuery(ctx, "LockedQuantities", lockedQuantitiesSQL)
	defer func() { end(err) }()

	rows, err := t.tx.Query(ctx, lockedQuantitiesSQL, batchIDs, now)
	if err != nil {
		return nil, wrapErr("sum locked quantities", err)
	}
	defer rows.Close()

	out := make(map[string]int, len(batchIDs))
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, fmt.Errorf("scan locked quantity: %w", err)
		}
		out[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("sum locked quantities", err)
	}
	return out, nil
}

// InsertLocks creates all locks with one statement.
func (t *Tx) InsertLocks(ctx context.Context, locks []domain.BatchLock) (err error) {
	if len(locks) == 0 {
		return nil
	}

	query := `INSERT INTO stock_batch_locks (` + lockColumns + `) VALUES ` + placeholders(len(locks), 8)
	ctx, end := database.TraceQuery(ctx, "InsertLocks", query)
	defer func() { end(err) }()

	args := make([]any, 0, len(locks)*8)
	for _, l := range locks {
		args = append(args, l.ID, l.SessionID, l.BatchID, l.StockID, l.WarehouseID, l.Quantity, l.CreatedAt, l.ExpiresAt)
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		// A clashing lock id is retried with fresh ids.
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("insert locks: %w: %w", domain.ErrConcurrencyConflict, err)
		}
		return wrapErr("insert locks", err)
	}
	return nil
}

// DeleteSessionLocks deletes and returns the locks of a session.
func (t *Tx) DeleteSessionLocks(ctx context.Context, sessionID string) ([]domain.BatchLock, error) {
	query := `DELETE FROM stock_batch_locks WHERE session_id = $1 RETURNING ` + lockColumns

	rows, err := t.tx.Query(ctx, query, sessionID)
	if err != nil {
		return nil, wrapErr("delete session locks", err)
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return nil, wrapErr("delete session locks", err)
	}
	return locks, nil
}

// DecrementBatch lowers a batch quantity, flooring at zero.
func (t *Tx) DecrementBatch(ctx context.Context, batchID string, qty int, now time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE stock_batches SET quantity = GREATEST(quantity - $2, 0), updated_at = $3 WHERE id = $1`,
		batchID, qty, now,
	)
	if err != nil {
		return wrapErr("decrement batch", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("batch", batchID)
	}
	return nil
}

// DecrementStock lowers the cached stock total, flooring at zero.
func (t *Tx) DecrementStock(ctx context.Context, stockID string, qty int, now time.Time) (*domain.Stock, error) {
	query := `
		UPDATE stocks SET quantity = GREATEST(quantity - $2, 0), updated_at = $3
		WHERE id = $1
		RETURNING ` + stockColumns

	st, err := scanStock(t.tx.QueryRow(ctx, query, stockID, qty, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("stock", stockID)
		}
		return nil, wrapErr("decrement stock", err)
	}
	return st, nil
}

// RecordMovement inserts a stock movement row.
func (t *Tx) RecordMovement(ctx context.Context, m *domain.StockMovement) error {
	query := `
		INSERT INTO stock_movements (id, stock_id, batch_id, product_id, variant_id, warehouse_id, quantity_change, reason, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := t.tx.Exec(ctx, query,
		m.ID,
		m.StockID,
		m.BatchID,
		m.ProductID,
		m.VariantID,
		m.WarehouseID,
		m.QuantityChange,
		m.Reason,
		m.ReferenceID,
		m.CreatedAt,
	)
	if err != nil {
		return wrapErr("record stock movement", err)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return wrapErr("commit transaction", err)
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
