package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/EcommerceGo/warehouse/internal/service"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/health"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/middleware"
)

const serviceName = "warehouse"

// NewRouter creates a chi router with all warehouse service routes registered.
func NewRouter(
	allocationService *service.AllocationService,
	healthHandler *health.Handler,
	logger *slog.Logger,
	pprofAllowedCIDRs []string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	middleware.RegisterPprof(r, pprofAllowedCIDRs, logger)

	h := NewAllocationHandler(allocationService, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/allocations", h.Allocate)

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Post("/locks", h.LockBatches)
			r.Get("/locks", h.GetLockInfo)
			r.Delete("/locks", h.ReleaseLocks)
			r.Post("/reserve", h.ReserveCart)
			r.Post("/confirm", h.ConfirmLocks)
		})

		r.Get("/stocks/{stockId}/batches", h.ListActiveBatches)

		r.Route("/batches/{batchId}", func(r chi.Router) {
			r.Get("/availability", h.GetAvailability)
			r.Put("/status", h.UpdateBatchStatus)
		})
	})

	return r
}
