package allocation

import (
	"fmt"
	"sort"

	apperrors "github.com/utafrali/EcommerceGo/warehouse/pkg/errors"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
)

// WarehouseCandidate is a warehouse that stocks the item, with the total it
// can supply right now and its shipping cost score (lower is better).
type WarehouseCandidate struct {
	WarehouseID string
	StockID     string
	Available   int
	Score       float64
}

// WarehouseShare is the quantity assigned to one warehouse.
type WarehouseShare struct {
	WarehouseID string
	StockID     string
	Quantity    int
	Score       float64
}

// RankCandidates sorts candidates by ascending score, ties by warehouse ID.
func RankCandidates(candidates []WarehouseCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].WarehouseID < candidates[j].WarehouseID
	})
}

// SplitAcrossWarehouses fills required from the cheapest warehouse first and
// spills the rest to the next. Candidates with nothing available are skipped.
// If the total is not enough an *domain.InsufficientStockError with item scope
// is returned.
func SplitAcrossWarehouses(item domain.ItemRef, candidates []WarehouseCandidate, required int) ([]WarehouseShare, error) {
	if required <= 0 {
		return nil, apperrors.InvalidInput(fmt.Sprintf("required quantity must be positive, got %d", required))
	}

	ranked := make([]WarehouseCandidate, 0, len(candidates))
	total := 0
	for _, c := range candidates {
		if c.Available > 0 {
			ranked = append(ranked, c)
			total += c.Available
		}
	}
	if total < required {
		return nil, &domain.InsufficientStockError{
			Scope:     domain.ScopeItem,
			ItemID:    item.String(),
			Requested: required,
			Available: total,
		}
	}
	RankCandidates(ranked)

	shares := make([]WarehouseShare, 0, len(ranked))
	remaining := required
	for _, c := range ranked {
		if remaining == 0 {
			break
		}
		take := min(c.Available, remaining)
		shares = append(shares, WarehouseShare{
			WarehouseID: c.WarehouseID,
			StockID:     c.StockID,
			Quantity:    take,
			Score:       c.Score,
		})
		remaining -= take
	}
	return shares, nil
}
