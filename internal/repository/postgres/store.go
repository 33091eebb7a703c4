package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/database"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
)

// Store implements repository.Store on PostgreSQL.
type Store struct {
	pool database.DBTX
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a PostgreSQL-backed store.
func NewStore(pool database.DBTX) *Store {
	return &Store{pool: pool}
}

// wrapErr adds context to err and marks serialization failures and deadlocks
// with domain.ErrConcurrencyConflict.
func wrapErr(op string, err error) error {
	if database.IsTransientConflict(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const batchColumns = `id, stock_id, batch_number, manufactured_at, expires_at, quantity, status, created_at, updated_at`

func scanBatch(row pgx.Row, extra ...any) (*domain.StockBatch, error) {
	var b domain.StockBatch
	dest := []any{
		&b.ID,
		&b.StockID,
		&b.BatchNumber,
		&b.ManufacturedAt,
		&b.ExpiresAt,
		&b.Quantity,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &b, nil
}

const lockColumns = `id, session_id, batch_id, stock_id, warehouse_id, locked_quantity, created_at, expires_at`

func collectLocks(rows pgx.Rows) ([]domain.BatchLock, error) {
	defer rows.Close()

	var locks []domain.BatchLock
	for rows.Next() {
		var l domain.BatchLock
		if err := rows.Scan(
			&l.ID,
			&l.SessionID,
			&l.BatchID,
			&l.StockID,
			&l.WarehouseID,
			&l.Quantity,
			&l.CreatedAt,
			&l.ExpiresAt,
		); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locks, nil
}

const stockColumns = `id, product_id, variant_id, warehouse_id, quantity, low_stock_threshold, updated_at`

func scanStock(row pgx.Row) (*domain.Stock, error) {
	var s domain.Stock
	if err := row.Scan(
		&s.ID,
		&s.ProductID,
		&s.VariantID,
		&s.WarehouseID,
		&s.Quantity,
		&s.LowStockThreshold,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// ---------------------------------------------------------------------------
// BatchRepository
// ---------------------------------------------------------------------------

const activeBatchesSQL = `
	SELECT b.id, b.stock_id, b.batch_number, b.manufactured_at, b.expires_at, b.quantity, b.status, b.created_at, b.updated_at,
	       COALESCE(SUM(l.locked_quantity) FILTER (WHERE l.expires_at > $2), 0) AS locked
	FROM stock_batches b
	LEFT JOIN stock_batch_locks l ON l.batch_id = b.id
	WHERE b.stock_id = $1
	  AND b.status = 'ACTIVE'
	  AND b.quantity > 0
	  AND (b.expires_at IS NULL OR b.expires_at > $2)
	GROUP BY b.id
	ORDER BY b.expires_at ASC NULLS LAST, b.created_at ASC, b.id ASC`

// ActiveBatches returns the sellable batches of a stock in FEFO order.
func (s *Store) ActiveBatches(ctx context.Context, stockID string, now time.Time) (_ []domain.BatchAvailability, err error) {
	ctx, end := database.TraceQuery(ctx, "ActiveBatches", activeBatchesSQL)
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, activeBatchesSQL, stockID, now)
	if err != nil {
		return nil, wrapErr("query active batches", err)
	}
	defer rows.Close()

	var out []domain.BatchAvailability
	for rows.Next() {
		var locked int
		b, err := scanBatch(rows, &locked)
		if err != nil {
			return nil, fmt.Errorf("scan active batch: %w", err)
		}
		out = append(out, domain.BatchAvailability{
			Batch:     *b,
			Locked:    locked,
			Available: domain.Availability(b.Quantity, locked),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active batches: %w", err)
	}
	return out, nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*domain.StockBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE id = $1`

	b, err := scanBatch(s.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("batch", batchID)
		}
		return nil, wrapErr("get batch", err)
	}
	return b, nil
}

// AvailableQuantity returns the batch quantity minus unexpired locks.
func (s *Store) AvailableQuantity(ctx context.Context, batchID string, now time.Time) (int, error) {
	query := `
		SELECT b.quantity,
		       COALESCE((SELECT SUM(l.locked_quantity) FROM stock_batch_locks l
		                 WHERE l.batch_id = b.id AND l.expires_at > $2), 0)
		FROM stock_batches b
		WHERE b.id = $1`

	var quantity, locked int
	if err := s.pool.QueryRow(ctx, query, batchID, now).Scan(&quantity, &locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NotFound("batch", batchID)
		}
		return 0, wrapErr("get available quantity", err)
	}
	return domain.Availability(quantity, locked), nil
}

// UpdateBatchStatus sets the status of a batch.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, now time.Time) (*domain.StockBatch, error) {
	query := `
		UPDATE stock_batches SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + batchColumns

	b, err := scanBatch(s.pool.QueryRow(ctx, query, batchID, string(status), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("batch", batchID)
		}
		return nil, wrapErr("update batch status", err)
	}
	return b, nil
}

// SessionLocks returns every lock held by a session.
func (s *Store) SessionLocks(ctx context.Context, sessionID string) ([]domain.BatchLock, error) {
	query := `SELECT ` + lockColumns + ` FROM stock_batch_locks WHERE session_id = $1 ORDER BY batch_id`

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, wrapErr("query session locks", err)
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return nil, fmt.Errorf("scan session locks: %w", err)
	}
	return locks, nil
}

// ---------------------------------------------------------------------------
// ExpiredLockRepository
// ---------------------------------------------------------------------------

// ListExpiredLocks returns up to limit locks that expired before now.
func (s *Store) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]domain.BatchLock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM stock_batch_locks
		WHERE expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, wrapErr("query expired locks", err)
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return nil, fmt.Errorf("scan expired locks: %w", err)
	}
	return locks, nil
}

const deleteExpiredSessionSQL = `
	DELETE FROM stock_batch_locks
	WHERE session_id = $1
	  AND expires_at < $2
	  AND NOT EXISTS (
	      SELECT 1 FROM stock_batch_locks live
	      WHERE live.session_id = $1 AND live.expires_at >= $2)
	RETURNING ` + lockColumns

// DeleteExpiredSessionLocks deletes all locks of a fully expired session.
// It holds the session's advisory lock, so it waits for an in-flight
// confirm or release of the same session and then finds nothing.
func (s *Store) DeleteExpiredSessionLocks(ctx context.Context, sessionID string, now time.Time) (_ []domain.BatchLock, err error) {
	ctx, end := database.TraceQuery(ctx, "DeleteExpiredSessionLocks", deleteExpiredSessionSQL)
	defer func() { end(err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin sweep transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sessionLockSQL, sessionID); err != nil {
		return nil, wrapErr("lock session", err)
	}
	rows, err := tx.Query(ctx, deleteExpiredSessionSQL, sessionID, now)
	if err != nil {
		return nil, wrapErr("delete expired session locks", err)
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return nil, wrapErr("delete expired session locks", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit sweep transaction", err)
	}
	return locks, nil
}

// ---------------------------------------------------------------------------
// StockCatalog / WarehouseRegistry
// ---------------------------------------------------------------------------

// StocksForItem returns the stock rows of an item, one per warehouse.
func (s *Store) StocksForItem(ctx context.Context, item domain.ItemRef) ([]domain.Stock, error) {
	query := `
		SELECT ` + stockColumns + `
		FROM stocks
		WHERE product_id = $1 AND variant_id = $2
		ORDER BY warehouse_id`

	rows, err := s.pool.Query(ctx, query, item.ProductID, item.VariantID)
	if err != nil {
		return nil, wrapErr("query stocks for item", err)
	}
	defer rows.Close()

	var stocks []domain.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		stocks = append(stocks, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stocks: %w", err)
	}
	return stocks, nil
}

// GetStock retrieves a stock by ID.
func (s *Store) GetStock(ctx context.Context, stockID string) (*domain.Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM stocks WHERE id = $1`

	st, err := scanStock(s.pool.QueryRow(ctx, query, stockID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("stock", stockID)
		}
		return nil, wrapErr("get stock", err)
	}
	return st, nil
}

// ListWarehouses returns the warehouses with the given IDs, ordered by ID.
func (s *Store) ListWarehouses(ctx context.Context, ids []string) ([]domain.Warehouse, error) {
	query := `
		SELECT id, name, code, latitude, longitude, active
		FROM warehouses
		WHERE id = ANY($1)
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, wrapErr("query warehouses", err)
	}
	defer rows.Close()

	var out []domain.Warehouse
	for rows.Next() {
		var w domain.Warehouse
		if err := rows.Scan(&w.ID, &w.Name, &w.Code, &w.Location.Latitude, &w.Location.Longitude, &w.Active); err != nil {
			return nil, fmt.Errorf("scan warehouse: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warehouses: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// TxManager
// ---------------------------------------------------------------------------

// Begin starts a READ COMMITTED transaction.
func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	return &Tx{tx: tx}, nil
}

// placeholders returns "($n, $n+1, ...), (...)" for rows of width columns.
func placeholders(rows, width int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
