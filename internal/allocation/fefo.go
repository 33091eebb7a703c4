// Package allocation decides which batches and warehouses a requested
// quantity is taken from. It is pure: callers supply availability.
package allocation

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
)

// SortFEFO orders batches first-expired-first-out: earliest expiry first,
// batches without expiry last, then oldest first, then by ID.
func SortFEFO(batches []domain.BatchAvailability) {
	sort.SliceStable(batches, func(i, j int) bool {
		return fefoLess(&batches[i].Batch, &batches[j].Batch)
	})
}

func fefoLess(a, b *domain.StockBatch) bool {
	switch {
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// FilterSellable drops batches that cannot be sold at now or have nothing
// available.
func FilterSellable(batches []domain.BatchAvailability, now time.Time) []domain.BatchAvailability {
	out := make([]domain.BatchAvailability, 0, len(batches))
	for _, b := range batches {
		if b.Available > 0 && b.Batch.IsSellable(now) {
			out = append(out, b)
		}
	}
	return out
}

// AllocateFEFO takes required units from batches in the order given, which
// must already be FEFO order. The result sums exactly to required; if the
// batches cannot cover it an *domain.InsufficientStockError is returned and
// nothing is allocated.
func AllocateFEFO(warehouseID, stockID string, batches []domain.BatchAvailability, required int) ([]domain.BatchQuantity, error) {
	if required <= 0 {
		return nil, apperrors.InvalidInput(fmt.Sprintf("required quantity must be positive, got %d", required))
	}

	var picks []domain.BatchQuantity
	remaining := required
	for _, b := range batches {
		if remaining == 0 {
			break
		}
		if b.Available <= 0 {
			continue
		}
		take := min(b.Available, remaining)
		picks = append(picks, domain.BatchQuantity{
			WarehouseID: warehouseID,
			BatchID:     b.Batch.ID,
			Quantity:    take,
		})
		remaining -= take
	}

	if remaining > 0 {
		return nil, &domain.InsufficientStockError{
			Scope:       domain.ScopeStock,
			StockID:     stockID,
			WarehouseID: warehouseID,
			Requested:   required,
			Available:   required - remaining,
		}
	}
	return picks, nil
}
