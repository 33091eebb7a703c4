package domain

import "time"

// WarehouseAllocation is the part of an item sourced from one warehouse,
// already resolved to batches.
type WarehouseAllocation struct {
	WarehouseID string          `json:"warehouse_id"`
	StockID     string          `json:"stock_id"`
	Quantity    int             `json:"quantity"`
	Score       float64         `json:"score"`
	Batches     []BatchQuantity `json:"batches"`
}

// ItemAllocation is where one item's requested quantity will come from.
type ItemAllocation struct {
	Item       ItemRef               `json:"item"`
	Quantity   int                   `json:"quantity"`
	Warehouses []WarehouseAllocation `json:"warehouses"`
}

// Plan converts the allocation into a LockPlan.
func (a *ItemAllocation) Plan() LockPlan {
	plan := make(LockPlan, len(a.Warehouses))
	for _, w := range a.Warehouses {
		plan[w.StockID] = append(plan[w.StockID], w.Batches...)
	}
	return plan
}

// CartLine is one requested item in a cart reservation.
type CartLine struct {
	Item     ItemRef
	Quantity int
}

// Reservation is the outcome of reserving a whole cart for a session.
type Reservation struct {
	SessionID string           `json:"session_id"`
	Items     []ItemAllocation `json:"items"`
	Locks     []BatchLock      `json:"locks"`
	ExpiresAt time.Time        `json:"expires_at"`
}
