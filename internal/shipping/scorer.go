// Package shipping ranks warehouses by what it costs to ship from them to a
// destination. Lower scores are better.
package shipping

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
)

// Scorer returns the cost of shipping from a warehouse to dest.
type Scorer interface {
	Score(ctx context.Context, w domain.Warehouse, dest domain.Destination) (float64, error)
}

const earthRadiusKm = 6371.0

// DistanceScorer scores by great-circle distance in kilometres.
type DistanceScorer struct{}

// Score returns the haversine distance between the warehouse and dest.
func (DistanceScorer) Score(_ context.Context, w domain.Warehouse, dest domain.Destination) (float64, error) {
	return Haversine(w.Location, dest.Location), nil
}

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b domain.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// maxConcurrentScores bounds the number of in-flight Score calls.
const maxConcurrentScores = 8

// ScoreAll scores every warehouse concurrently and returns the scores keyed
// by warehouse ID. The first error cancels the rest.
func ScoreAll(ctx context.Context, scorer Scorer, warehouses []domain.Warehouse, dest domain.Destination) (map[string]float64, error) {
	scores := make([]float64, len(warehouses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentScores)
	for i, w := range warehouses {
		g.Go(func() error {
			s, err := scorer.Score(gctx, w, dest)
			if err != nil {
				return err
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(warehouses))
	for i, w := range warehouses {
		out[w.ID] = scores[i]
	}
	return out, nil
}
