package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/httpclient"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

const serviceName = "shipping"

// poster is the part of httpclient.CircuitBreakerClient used here.
type poster interface {
	Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error)
}

var _ poster = (*httpclient.CircuitBreakerClient)(nil)

type quoteRequest struct {
	WarehouseID string             `json:"warehouse_id"`
	Origin      domain.Location    `json:"origin"`
	Destination domain.Destination `json:"destination"`
}

type quoteResponse struct {
	Data struct {
		Cost float64 `json:"cost"`
	} `json:"data"`
}

// HTTPScorer asks the shipping service for a quote and falls back to
// another Scorer when the call fails or the circuit is open.
type HTTPScorer struct {
	client   poster
	baseURL  string
	fallback Scorer
	logger   *slog.Logger

	// Concurrent quotes for the same warehouse and destination share one call.
	inflight singleflight.Group
}

// NewHTTPScorer creates a scorer for the shipping service at baseURL.
func NewHTTPScorer(client *httpclient.CircuitBreakerClient, baseURL string, fallback Scorer, logger *slog.Logger) *HTTPScorer {
	return newHTTPScorer(client, baseURL, fallback, logger)
}

func newHTTPScorer(client poster, baseURL string, fallback Scorer, logger *slog.Logger) *HTTPScorer {
	if fallback == nil {
		fallback = DistanceScorer{}
	}
	return &HTTPScorer{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		fallback: fallback,
		logger:   logger,
	}
}

// Score returns the quoted cost, or the fallback score if the quote fails.
func (s *HTTPScorer) Score(ctx context.Context, w domain.Warehouse, dest domain.Destination) (float64, error) {
	v, err, _ := s.inflight.Do(quoteKey(w, dest), func() (any, error) {
		return s.quote(ctx, w, dest)
	})
	if err == nil {
		return v.(float64), nil
	}

	logger.WithContext(ctx, s.logger).WarnContext(ctx, "shipping quote failed, using fallback score",
		slog.String("warehouse_id", w.ID),
		slog.String("error", err.Error()),
	)
	return s.fallback.Score(ctx, w, dest)
}

func quoteKey(w domain.Warehouse, dest domain.Destination) string {
	return fmt.Sprintf("%s|%g,%g|%s|%s", w.ID, dest.Latitude, dest.Longitude, dest.PostalCode, dest.Country)
}

func (s *HTTPScorer) quote(ctx context.Context, w domain.Warehouse, dest domain.Destination) (float64, error) {
	body, err := json.Marshal(quoteRequest{WarehouseID: w.ID, Origin: w.Location, Destination: dest})
	if err != nil {
		return 0, fmt.Errorf("marshal quote request: %w", err)
	}

	resp, err := s.client.Post(ctx, s.baseURL+"/api/v1/shipping/quote", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("request shipping quote: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, httpclient.ParseResponseError(resp, serviceName)
	}
	defer func() { _ = resp.Body.Close() }()

	var out quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode shipping quote: %w", err)
	}
	if out.Data.Cost < 0 {
		return 0, fmt.Errorf("shipping quote for %s is negative: %v", w.ID, out.Data.Cost)
	}
	return out.Data.Cost, nil
}
