package domain

import (
	"time"
)

// BatchStatus is the lifecycle state of a stock batch.
type BatchStatus string

const (
	BatchStatusActive   BatchStatus = "ACTIVE"
	BatchStatusExpired  BatchStatus = "EXPIRED"
	BatchStatusRecalled BatchStatus = "RECALLED"
	BatchStatusDamaged  BatchStatus = "DAMAGED"
)

// Valid reports whether s is one of the known statuses.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusActive, BatchStatusExpired, BatchStatusRecalled, BatchStatusDamaged:
		return true
	}
	return false
}

// StockBatch is a lot of one stock with its own expiry date.
type StockBatch struct {
	ID             string      `json:"id"`
	StockID        string      `json:"stock_id"`
	BatchNumber    string      `json:"batch_number"`
	ManufacturedAt *time.Time  `json:"manufactured_at,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	Quantity       int         `json:"quantity"`
	Status         BatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsExpiredAt reports whether the batch's expiry date has passed at now.
func (b *StockBatch) IsExpiredAt(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// IsSellable reports whether the batch may be allocated at now.
func (b *StockBatch) IsSellable(now time.Time) bool {
	return b.Status == BatchStatusActive && b.Quantity > 0 && !b.IsExpiredAt(now)
}

// UnavailableReason explains why IsSellable is false, or returns "".
func (b *StockBatch) UnavailableReason(now time.Time) string {
	switch {
	case b.Status != BatchStatusActive:
		return "batch status is " + string(b.Status)
	case b.IsExpiredAt(now):
		return "batch expired"
	case b.Quantity <= 0:
		return "batch is empty"
	}
	return ""
}

// BatchAvailability is a batch together with how much of it is not locked.
type BatchAvailability struct {
	Batch     StockBatch `json:"batch"`
	Locked    int        `json:"locked"`
	Available int        `json:"available"`
}

// Availability returns quantity minus locked, floored at zero.
func Availability(quantity, locked int) int {
	if quantity <= locked {
		return 0
	}
	return quantity - locked
}
