package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
)

// ActiveBatchesForStock returns the sellable batches of a stock in FEFO
// order with their current availability.
func (s *AllocationService) ActiveBatchesForStock(ctx context.Context, stockID string) ([]domain.BatchAvailability, error) {
	if _, err := s.store.GetStock(ctx, stockID); err != nil {
		return nil, fmt.Errorf("get stock %s: %w", stockID, err)
	}
	batches, err := s.store.ActiveBatches(ctx, stockID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list batches for stock %s: %w", stockID, err)
	}
	if batches == nil {
		batches = []domain.BatchAvailability{}
	}
	return batches, nil
}

// AvailableQuantity returns how much of a batch is not held by unexpired
// locks. Unsellable batches report zero.
func (s *AllocationService) AvailableQuantity(ctx context.Context, batchID string) (int, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	now := s.now()
	if !b.IsSellable(now) {
		return 0, nil
	}
	n, err := s.store.AvailableQuantity(ctx, batchID, now)
	if err != nil {
		return 0, fmt.Errorf("available quantity for batch %s: %w", batchID, err)
	}
	return n, nil
}

// UpdateBatchStatus changes a batch's status. Existing locks are kept; new
// lock attempts on a batch that is no longer ACTIVE fail.
func (s *AllocationService) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus) (*domain.StockBatch, error) {
	if !status.Valid() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("invalid batch status %q", status))
	}

	b, err := s.store.UpdateBatchStatus(ctx, batchID, status, s.now())
	if err != nil {
		return nil, fmt.Errorf("update status of batch %s: %w", batchID, err)
	}

	s.log(ctx).InfoContext(ctx, "batch status changed",
		slog.String("batch_id", batchID),
		slog.String("status", string(status)),
	)
	return b, nil
}
