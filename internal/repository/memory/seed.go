package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
)

// Seed is the JSON document accepted by LoadSeed.
type Seed struct {
	Warehouses []domain.Warehouse  `json:"warehouses"`
	Stocks     []domain.Stock      `json:"stocks"`
	Batches    []domain.StockBatch `json:"batches"`
}

// LoadSeed reads a Seed from r into s. Batches must reference a seeded
// stock and stocks a seeded warehouse.
func (s *Store) LoadSeed(r io.Reader) error {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	warehouses := make(map[string]bool, len(seed.Warehouses))
	for _, w := range seed.Warehouses {
		warehouses[w.ID] = true
	}
	stocks := make(map[string]bool, len(seed.Stocks))
	for _, st := range seed.Stocks {
		if !warehouses[st.WarehouseID] {
			return fmt.Errorf("stock %s references unknown warehouse %s", st.ID, st.WarehouseID)
		}
		stocks[st.ID] = true
	}
	for _, b := range seed.Batches {
		if !stocks[b.StockID] {
			return fmt.Errorf("batch %s references unknown stock %s", b.ID, b.StockID)
		}
		if !b.Status.Valid() {
			return fmt.Errorf("batch %s has invalid status %q", b.ID, b.Status)
		}
	}

	for _, w := range seed.Warehouses {
		s.PutWarehouse(w)
	}
	for _, st := range seed.Stocks {
		s.PutStock(st)
	}
	for _, b := range seed.Batches {
		s.PutBatch(b)
	}
	return nil
}

// LoadSeedFile opens path and calls LoadSeed.
func (s *Store) LoadSeedFile(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return s.LoadSeed(f)
}
