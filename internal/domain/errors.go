package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock means a request cannot be satisfied from what is
	// currently available. It is a business outcome, not a fault.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrBatchUnavailable means a batch was named that cannot be sold.
	ErrBatchUnavailable = errors.New("batch unavailable")

	// ErrConcurrencyConflict wraps serialization failures and deadlocks
	// reported by the store. Callers may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnknownSession means a session has no locks. Confirm and release
	// log it and return normally.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionHasLocks rejects a second lock call for a session.
	ErrSessionHasLocks = errors.New("session already holds locks")
)

// Shortfall scopes.
const (
	ScopeItem  = "item"
	ScopeStock = "stock"
	ScopeBatch = "batch"
)

// InsufficientStockError reports which part of a request could not be met.
// Only the IDs relevant to Scope are set.
type InsufficientStockError struct {
	Scope       string `json:"scope"`
	ItemID      string `json:"item_id,omitempty"`
	StockID     string `json:"stock_id,omitempty"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	Reason      string `json:"reason,omitempty"`
}

func (e *InsufficientStockError) Error() string {
	id := e.ItemID
	switch e.Scope {
	case ScopeStock:
		id = e.StockID
	case ScopeBatch:
		id = e.BatchID
	}
	msg := fmt.Sprintf("insufficient stock for %s %s: requested %d, available %d", e.Scope, id, e.Requested, e.Available)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Shortfall is how many units are missing.
func (e *InsufficientStockError) Shortfall() int {
	if e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

// BatchUnavailableError reports a batch that is missing, not ACTIVE, expired
// or empty. It also matches ErrInsufficientStock.
type BatchUnavailableError struct {
	BatchID string      `json:"batch_id"`
	Status  BatchStatus `json:"status,omitempty"`
	Reason  string      `json:"reason"`
}

func (e *BatchUnavailableError) Error() string {
	return fmt.Sprintf("batch %s unavailable: %s", e.BatchID, e.Reason)
}

func (e *BatchUnavailableError) Is(target error) bool {
	return target == ErrBatchUnavailable || target == ErrInsufficientStock
}
