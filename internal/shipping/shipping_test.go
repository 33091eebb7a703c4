package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/httpclient"
)

var (
	istanbul = domain.Warehouse{ID: "wh-ist", Location: domain.Location{Latitude: 41.0082, Longitude: 28.9784}}
	ankara   = domain.Warehouse{ID: "wh-ank", Location: domain.Location{Latitude: 39.9334, Longitude: 32.8597}}
	izmirDst = domain.Destination{Location: domain.Location{Latitude: 38.4237, Longitude: 27.1428}, Country: "TR"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScorer(t *testing.T, srv *httptest.Server, name string) *HTTPScorer {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Timeout = time.Second
	cb := httpclient.NewCircuitBreakerClient(httpclient.New(cfg), httpclient.DefaultCircuitBreakerConfig(name), discardLogger())
	return NewHTTPScorer(cb, srv.URL+"/", nil, discardLogger())
}

// ---------------------------------------------------------------------------
// DistanceScorer
// ---------------------------------------------------------------------------

func TestHaversine(t *testing.T) {
	assert.Zero(t, Haversine(istanbul.Location, istanbul.Location))

	// Istanbul to Ankara is roughly 350 km as the crow flies.
	d := Haversine(istanbul.Location, ankara.Location)
	assert.InDelta(t, 350, d, 10)
	assert.InDelta(t, d, Haversine(ankara.Location, istanbul.Location), 1e-9)
}

func TestDistanceScorer_PrefersCloser(t *testing.T) {
	var s DistanceScorer
	ist, err := s.Score(context.Background(), istanbul, izmirDst)
	require.NoError(t, err)
	ank, err := s.Score(context.Background(), ankara, izmirDst)
	require.NoError(t, err)
	assert.Less(t, ist, ank)
}

// ---------------------------------------------------------------------------
// HTTPScorer
// ---------------------------------------------------------------------------

func TestHTTPScorer_UsesQuote(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/shipping/quote", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"cost":12.5}}`))
	}))
	defer srv.Close()

	s := newTestScorer(t, srv, "shipping-quote-ok")
	cost, err := s.Score(context.Background(), istanbul, izmirDst)

	require.NoError(t, err)
	assert.Equal(t, 12.5, cost)
	assert.Equal(t, "wh-ist", got.WarehouseID)
	assert.Equal(t, "TR", got.Destination.Country)
}

func TestHTTPScorer_SharesConcurrentQuotes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"data":{"cost":7}}`))
	}))
	defer srv.Close()

	s := newTestScorer(t, srv, "shipping-quote-shared")

	const callers = 5
	results := make(chan float64, callers)
	for i := 0; i < callers; i++ {
		go func() {
			cost, err := s.Score(context.Background(), istanbul, izmirDst)
			assert.NoError(t, err)
			results <- cost
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give the other callers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		assert.Equal(t, 7.0, <-results)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuoteKey(t *testing.T) {
	other := izmirDst
	other.PostalCode = "35000"
	assert.NotEqual(t, quoteKey(istanbul, izmirDst), quoteKey(istanbul, other))
	assert.NotEqual(t, quoteKey(istanbul, izmirDst), quoteKey(ankara, izmirDst))
	assert.Equal(t, quoteKey(istanbul, izmirDst), quoteKey(istanbul, izmirDst))
}

func TestHTTPScorer_FallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestScorer(t, srv, "shipping-quote-500")
	cost, err := s.Score(context.Background(), istanbul, izmirDst)

	require.NoError(t, err)
	assert.InDelta(t, Haversine(istanbul.Location, izmirDst.Location), cost, 1e-9)
}

func TestHTTPScorer_FallsBackOnBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_INPUT","message":"unknown destination"}}`))
	}))
	defer srv.Close()

	s := newTestScorer(t, srv, "shipping-quote-400")
	cost, err := s.Score(context.Background(), ankara, izmirDst)

	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)
}

func TestHTTPScorer_FallsBackOnNegativeCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"cost":-1}}`))
	}))
	defer srv.Close()

	s := newTestScorer(t, srv, "shipping-quote-neg")
	cost, err := s.Score(context.Background(), ankara, izmirDst)

	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)
}

// ---------------------------------------------------------------------------
// ScoreAll
// ---------------------------------------------------------------------------

type fixedScorer struct {
	scores map[string]float64
	err    error
	calls  atomic.Int32
}

func (f *fixedScorer) Score(_ context.Context, w domain.Warehouse, _ domain.Destination) (float64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.scores[w.ID], nil
}

func TestScoreAll(t *testing.T) {
	f := &fixedScorer{scores: map[string]float64{"wh-ist": 3, "wh-ank": 7}}

	got, err := ScoreAll(context.Background(), f, []domain.Warehouse{istanbul, ankara}, izmirDst)

	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"wh-ist": 3, "wh-ank": 7}, got)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestScoreAll_Error(t *testing.T) {
	f := &fixedScorer{err: errors.New("boom")}

	_, err := ScoreAll(context.Background(), f, []domain.Warehouse{istanbul, ankara}, izmirDst)
	assert.EqualError(t, err, "boom")
}

func TestScoreAll_Empty(t *testing.T) {
	got, err := ScoreAll(context.Background(), DistanceScorer{}, nil, izmirDst)
	require.NoError(t, err)
	assert.Empty(t, got)
}
