package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/httputil"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

// writeError renders domain outcomes as 409 with the structured shortfall in
// details, and defers everything else to httputil.WriteError.
func writeError(w http.ResponseWriter, r *http.Request, err error, log *slog.Logger) {
	requestID := logger.CorrelationIDFromContext(r.Context())

	var (
		unavailable  *domain.BatchUnavailableError
		insufficient *domain.InsufficientStockError
	)
	switch {
	case errors.As(err, &unavailable):
		httputil.WriteJSON(w, http.StatusConflict, httputil.Response{
			Error: &httputil.ErrorResponse{
				Code:      "BATCH_UNAVAILABLE",
				Message:   unavailable.Error(),
				Details:   unavailable,
				RequestID: requestID,
			},
		})
	case errors.As(err, &insufficient):
		httputil.WriteJSON(w, http.StatusConflict, httputil.Response{
			Error: &httputil.ErrorResponse{
				Code:      "INSUFFICIENT_STOCK",
				Message:   insufficient.Error(),
				Details:   insufficient,
				RequestID: requestID,
			},
		})
	case errors.Is(err, domain.ErrSessionHasLocks):
		httputil.WriteJSON(w, http.StatusConflict, httputil.Response{
			Error: &httputil.ErrorResponse{
				Code:      "CONFLICT",
				Message:   "session already holds batch locks",
				RequestID: requestID,
			},
		})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		httputil.WriteJSON(w, http.StatusConflict, httputil.Response{
			Error: &httputil.ErrorResponse{
				Code:      "CONFLICT",
				Message:   "concurrent update, retry the request",
				RequestID: requestID,
			},
		})
	default:
		httputil.WriteError(w, r, err, log)
	}
}
