package domain

import (
	"time"
)

// ItemRef identifies a sellable item. VariantID is empty for plain products.
type ItemRef struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
}

func (i ItemRef) String() string {
	if i.VariantID == "" {
		return i.ProductID
	}
	return i.ProductID + "/" + i.VariantID
}

// Stock is the inventory of one item in one warehouse. Quantity is a cached
// total of its batches, kept in step by confirm and restock.
type Stock struct {
	ID                string    `json:"id"`
	ProductID         string    `json:"product_id"`
	VariantID         string    `json:"variant_id"`
	WarehouseID       string    `json:"warehouse_id"`
	Quantity          int       `json:"quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Item returns the item this stock row is for.
func (s *Stock) Item() ItemRef {
	return ItemRef{ProductID: s.ProductID, VariantID: s.VariantID}
}

// IsLow reports whether the cached quantity has reached the low-stock threshold.
func (s *Stock) IsLow() bool {
	return s.Quantity <= s.LowStockThreshold
}

// StockMovement records a change in stock quantity.
type StockMovement struct {
	ID             string    `json:"id"`
	StockID        string    `json:"stock_id"`
	BatchID        string    `json:"batch_id"`
	ProductID      string    `json:"product_id"`
	VariantID      string    `json:"variant_id"`
	WarehouseID    string    `json:"warehouse_id"`
	QuantityChange int       `json:"quantity_change"`
	Reason         string    `json:"reason"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stock movement reasons.
const (
	MovementReasonOrder      = "order"
	MovementReasonRestock    = "restock"
	MovementReasonAdjustment = "adjustment"
)
