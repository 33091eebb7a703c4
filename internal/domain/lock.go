package domain

import (
	"sort"
	"time"
)

// BatchLock reserves part of a batch for one checkout session until ExpiresAt.
// Locks are never updated: they are consumed by confirm or deleted by
// release and expiry.
type BatchLock struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	BatchID     string    `json:"batch_id"`
	StockID     string    `json:"stock_id"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int       `json:"locked_quantity"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsExpiredAt reports whether the lock no longer holds stock at now.
func (l *BatchLock) IsExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// BatchQuantity is a quantity taken from one batch in one warehouse.
type BatchQuantity struct {
	WarehouseID string `json:"warehouse_id"`
	BatchID     string `json:"batch_id"`
	Quantity    int    `json:"quantity"`
}

// LockPlan maps stock IDs to the batch quantities to lock for each.
type LockPlan map[string][]BatchQuantity

// Merge adds every entry of other to p, summing quantities of entries that
// name the same batch.
func (p LockPlan) Merge(other LockPlan) {
	for stockID, entries := range other {
	next:
		for _, e := range entries {
			for i := range p[stockID] {
				if p[stockID][i].BatchID == e.BatchID {
					p[stockID][i].Quantity += e.Quantity
					continue next
				}
			}
			p[stockID] = append(p[stockID], e)
		}
	}
}

// Total returns the sum of all quantities in the plan.
func (p LockPlan) Total() int {
	total := 0
	for _, entries := range p {
		for _, e := range entries {
			total += e.Quantity
		}
	}
	return total
}

// WarehouseLockSummary aggregates a session's locks in one warehouse.
type WarehouseLockSummary struct {
	WarehouseID string `json:"warehouse_id"`
	LockCount   int    `json:"lock_count"`
	Quantity    int    `json:"quantity"`
}

// LockInfo summarises the locks a session currently holds.
type LockInfo struct {
	SessionID      string                 `json:"session_id"`
	LockCount      int                    `json:"lock_count"`
	TotalQuantity  int                    `json:"total_quantity"`
	Warehouses     []WarehouseLockSummary `json:"warehouses"`
	EarliestExpiry *time.Time             `json:"earliest_expiry,omitempty"`
}

// SummarizeLocks builds LockInfo from locks, skipping any already expired at
// now. Warehouses are ordered by ID.
func SummarizeLocks(sessionID string, locks []BatchLock, now time.Time) *LockInfo {
	info := &LockInfo{SessionID: sessionID, Warehouses: []WarehouseLockSummary{}}
	byWarehouse := make(map[string]*WarehouseLockSummary)

	for i := range locks {
		l := locks[i]
		if l.IsExpiredAt(now) {
			continue
		}
		info.LockCount++
		info.TotalQuantity += l.Quantity
		if info.EarliestExpiry == nil || l.ExpiresAt.Before(*info.EarliestExpiry) {
			exp := l.ExpiresAt
			info.EarliestExpiry = &exp
		}

		ws, ok := byWarehouse[l.WarehouseID]
		if !ok {
			ws = &WarehouseLockSummary{WarehouseID: l.WarehouseID}
			byWarehouse[l.WarehouseID] = ws
		}
		ws.LockCount++
		ws.Quantity += l.Quantity
	}

	for _, ws := range byWarehouse {
		info.Warehouses = append(info.Warehouses, *ws)
	}
	sort.Slice(info.Warehouses, func(i, j int) bool {
		return info.Warehouses[i].WarehouseID < info.Warehouses[j].WarehouseID
	})
	return info
}
