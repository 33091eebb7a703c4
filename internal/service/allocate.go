package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/EcommerceGo/warehouse/internal/allocation"
	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/shipping"
	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

// Allocate decides which warehouses and batches would supply quantity of
// item for delivery to dest. Nothing is locked; the result is a plan for
// LockStockFromBatches.
func (s *AllocationService) Allocate(ctx context.Context, item domain.ItemRef, quantity int, dest domain.Destination) (_ *domain.ItemAllocation, err error) {
	ctx, end := startSpan(ctx, "AllocationService.Allocate", trace.WithAttributes(
		attribute.String("product_id", item.ProductID),
		attribute.Int("quantity", quantity),
	))
	defer func() { end(err) }()

	if item.ProductID == "" {
		return nil, apperrors.InvalidInput("product_id is required")
	}
	if quantity <= 0 {
		return nil, apperrors.InvalidInput("quantity must be positive")
	}

	result, err := s.allocate(ctx, item, quantity, dest)
	if err != nil {
		allocationFailures.WithLabelValues("allocate", failureReason(err)).Inc()
		return nil, err
	}
	return result, nil
}

func (s *AllocationService) allocate(ctx context.Context, item domain.ItemRef, quantity int, dest domain.Destination) (*domain.ItemAllocation, error) {
	stocks, err := s.store.StocksForItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("list stocks for %s: %w", item, err)
	}

	warehouseIDs := make([]string, 0, len(stocks))
	for _, st := range stocks {
		warehouseIDs = append(warehouseIDs, st.WarehouseID)
	}
	var warehouses []domain.Warehouse
	if len(warehouseIDs) > 0 {
		warehouses, err = s.store.ListWarehouses(ctx, warehouseIDs)
		if err != nil {
			return nil, fmt.Errorf("list warehouses for %s: %w", item, err)
		}
	}

	active := make(map[string]domain.Warehouse, len(warehouses))
	usableWarehouses := make([]domain.Warehouse, 0, len(warehouses))
	for _, w := range warehouses {
		if w.Active {
			active[w.ID] = w
			usableWarehouses = append(usableWarehouses, w)
		}
	}
	usable := make([]domain.Stock, 0, len(stocks))
	for _, st := range stocks {
		if _, ok := active[st.WarehouseID]; ok {
			usable = append(usable, st)
		}
	}

	if len(usable) == 0 {
		return nil, &domain.InsufficientStockError{
			Scope:     domain.ScopeItem,
			ItemID:    item.String(),
			Requested: quantity,
		}
	}

	now := s.now()
	batches := make([][]domain.BatchAvailability, len(usable))
	var scores map[string]float64

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range usable {
		g.Go(func() error {
			b, err := s.store.ActiveBatches(gctx, st.ID, now)
			if err != nil {
				return fmt.Errorf("list batches for stock %s: %w", st.ID, err)
			}
			b = allocation.FilterSellable(b, now)
			allocation.SortFEFO(b)
			batches[i] = b
			return nil
		})
	}
	g.Go(func() error {
		var err error
		scores, err = shipping.ScoreAll(gctx, s.scorer, usableWarehouses, dest)
		if err != nil {
			return fmt.Errorf("score warehouses: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]allocation.WarehouseCandidate, 0, len(usable))
	byStock := make(map[string][]domain.BatchAvailability, len(usable))
	for i, st := range usable {
		total := 0
		for _, b := range batches[i] {
			total += b.Available
		}
		byStock[st.ID] = batches[i]
		candidates = append(candidates, allocation.WarehouseCandidate{
			WarehouseID: st.WarehouseID,
			StockID:     st.ID,
			Available:   total,
			Score:       scores[st.WarehouseID],
		})
	}

	shares, err := allocation.SplitAcrossWarehouses(item, candidates, quantity)
	if err != nil {
		return nil, err
	}

	result := &domain.ItemAllocation{
		Item:       item,
		Quantity:   quantity,
		Warehouses: make([]domain.WarehouseAllocation, 0, len(shares)),
	}
	for _, share := range shares {
		picks, err := allocation.AllocateFEFO(share.WarehouseID, share.StockID, byStock[share.StockID], share.Quantity)
		if err != nil {
			return nil, err
		}
		result.Warehouses = append(result.Warehouses, domain.WarehouseAllocation{
			WarehouseID: share.WarehouseID,
			StockID:     share.StockID,
			Quantity:    share.Quantity,
			Score:       share.Score,
			Batches:     picks,
		})
	}

	s.log(ctx).DebugContext(ctx, "allocated item",
		slog.String("item", item.String()),
		slog.Int("quantity", quantity),
		slog.Int("warehouses", len(result.Warehouses)),
	)
	return result, nil
}

// ReserveCart allocates every line and locks the combined plan for the
// session in one call. When the lock step loses a race for stock, the cart
// is re-allocated against fresh availability, up to MaxRetries times.
func (s *AllocationService) ReserveCart(ctx context.Context, sessionID string, lines []domain.CartLine, dest domain.Destination) (_ *domain.Reservation, err error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session_id is required")
	}
	if len(lines) == 0 {
		return nil, apperrors.InvalidInput("at least one line is required")
	}
	ctx = logger.WithSessionID(ctx, sessionID)
	ctx, end := startSpan(ctx, "AllocationService.ReserveCart", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("lines", len(lines)),
	))
	defer func() { end(err) }()

	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		items := make([]domain.ItemAllocation, 0, len(merged))
		plan := make(domain.LockPlan)
		for _, line := range merged {
			a, err := s.Allocate(ctx, line.Item, line.Quantity, dest)
			if err != nil {
				return nil, err
			}
			items = append(items, *a)
			plan.Merge(a.Plan())
		}

		locks, err := s.LockStockFromBatches(ctx, sessionID, plan)
		if err == nil {
			res := &domain.Reservation{SessionID: sessionID, Items: items, Locks: locks}
			if len(locks) > 0 {
				res.ExpiresAt = locks[0].ExpiresAt
			}
			return res, nil
		}

		lostRace := errors.Is(err, domain.ErrInsufficientStock) && !errors.Is(err, domain.ErrBatchUnavailable)
		if !lostRace || attempt >= s.cfg.MaxRetries {
			return nil, err
		}
		s.log(ctx).InfoContext(ctx, "stock taken by another session, re-allocating cart",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
}

// mergeLines sums quantities of lines naming the same item, keeping the
// order in which items first appear.
func mergeLines(lines []domain.CartLine) ([]domain.CartLine, error) {
	index := make(map[domain.ItemRef]int, len(lines))
	merged := make([]domain.CartLine, 0, len(lines))
	for i, l := range lines {
		if l.Item.ProductID == "" {
			return nil, apperrors.InvalidInput(fmt.Sprintf("lines[%d]: product_id is required", i))
		}
		if l.Quantity <= 0 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("lines[%d]: quantity must be positive", i))
		}
		if j, ok := index[l.Item]; ok {
			merged[j].Quantity += l.Quantity
			continue
		}
		index[l.Item] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}
