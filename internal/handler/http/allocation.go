package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	"github.com/utafrali/EcommerceGo/warehouse/internal/service"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/httputil"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/pagination"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/validator"
)

// AllocationHandler handles HTTP requests for allocation, lock and batch
// endpoints.
type AllocationHandler struct {
	service *service.AllocationService
	logger  *slog.Logger
}

// NewAllocationHandler creates a new allocation HTTP handler.
func NewAllocationHandler(svc *service.AllocationService, logger *slog.Logger) *AllocationHandler {
	return &AllocationHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// DestinationRequest is the delivery address used to rank warehouses.
type DestinationRequest struct {
	Latitude   float64 `json:"latitude" validate:"latitude"`
	Longitude  float64 `json:"longitude" validate:"longitude"`
	PostalCode string  `json:"postal_code" validate:"omitempty,max=20"`
	Country    string  `json:"country" validate:"omitempty,len=2"`
}

func (d *DestinationRequest) toDomain() domain.Destination {
	if d == nil {
		return domain.Destination{}
	}
	return domain.Destination{
		Location:   domain.Location{Latitude: d.Latitude, Longitude: d.Longitude},
		PostalCode: d.PostalCode,
		Country:    d.Country,
	}
}

// AllocateRequest is the JSON request body for allocating one item.
type AllocateRequest struct {
	ProductID   string              `json:"product_id" validate:"required"`
	VariantID   string              `json:"variant_id"`
	Quantity    int                 `json:"quantity" validate:"required,gte=1"`
	Destination *DestinationRequest `json:"destination"`
}

// LockBatchRequest is one batch quantity in a lock request.
type LockBatchRequest struct {
	BatchID     string `json:"batch_id" validate:"required"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity" validate:"required,gte=1"`
}

// LockStockRequest groups the batches to lock under one stock.
type LockStockRequest struct {
	StockID string             `json:"stock_id" validate:"required"`
	Batches []LockBatchRequest `json:"batches" validate:"required,min=1,dive"`
}

// LockRequest is the JSON request body for locking an explicit breakdown.
type LockRequest struct {
	Stocks []LockStockRequest `json:"stocks" validate:"required,min=1,dive"`
}

// CartLineRequest is one line of a cart reservation.
type CartLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
}

// ReserveRequest is the JSON request body for reserving a cart.
type ReserveRequest struct {
	Lines       []CartLineRequest   `json:"lines" validate:"required,min=1,dive"`
	Destination *DestinationRequest `json:"destination"`
}

// UpdateBatchStatusRequest is the JSON request body for changing a batch status.
type UpdateBatchStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE EXPIRED RECALLED DAMAGED"`
}

// --- Response DTOs ---

// LocksResponse lists the locks created or consumed for a session.
type LocksResponse struct {
	SessionID string             `json:"session_id"`
	Locks     []domain.BatchLock `json:"locks"`
}

// ReleaseResponse reports how many locks a release removed.
type ReleaseResponse struct {
	SessionID string `json:"session_id"`
	Released  int    `json:"released"`
}

// AvailabilityResponse reports the available quantity of a batch.
type AvailabilityResponse struct {
	BatchID   string `json:"batch_id"`
	Available int    `json:"available"`
}

// --- Handlers ---

// Allocate handles POST /api/v1/allocations
func (h *AllocationHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	item := domain.ItemRef{ProductID: req.ProductID, VariantID: req.VariantID}
	result, err := h.service.Allocate(r.Context(), item, req.Quantity, req.Destination.toDomain())
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, result)
}

// LockBatches handles POST /api/v1/sessions/{sessionId}/locks
func (h *AllocationHandler) LockBatches(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParseUUID(w, "session id", chi.URLParam(r, "sessionId"))
	if !ok {
		return
	}

	var req LockRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	plan := make(domain.LockPlan, len(req.Stocks))
	for _, s := range req.Stocks {
		for _, b := range s.Batches {
			plan[s.StockID] = append(plan[s.StockID], domain.BatchQuantity{
				WarehouseID: b.WarehouseID,
				BatchID:     b.BatchID,
				Quantity:    b.Quantity,
			})
		}
	}

	locks, err := h.service.LockStockFromBatches(r.Context(), sessionID.String(), plan)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, LocksResponse{SessionID: sessionID.String(), Locks: locks})
}

// ReserveCart handles POST /api/v1/sessions/{sessionId}/reserve
func (h *AllocationHandler) ReserveCart(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParseUUID(w, "session id", chi.URLParam(r, "sessionId"))
	if !ok {
		return
	}

	var req ReserveRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	lines := make([]domain.CartLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = domain.CartLine{
			Item:     domain.ItemRef{ProductID: l.ProductID, VariantID: l.VariantID},
			Quantity: l.Quantity,
		}
	}

	res, err := h.service.ReserveCart(r.Context(), sessionID.String(), lines, req.Destination.toDomain())
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, res)
}

// ConfirmLocks handles POST /api/v1/sessions/{sessionId}/confirm
func (h *AllocationHandler) ConfirmLocks(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParseUUID(w, "session id", chi.URLParam(r, "sessionId"))
	if !ok {
		return
	}

	locks, err := h.service.ConfirmBatchLocks(r.Context(), sessionID.String())
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	if locks == nil {
		locks = []domain.BatchLock{}
	}

	httputil.WriteData(w, http.StatusOK, LocksResponse{SessionID: sessionID.String(), Locks: locks})
}

// ReleaseLocks handles DELETE /api/v1/sessions/{sessionId}/locks
func (h *AllocationHandler) ReleaseLocks(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParseUUID(w, "session id", chi.URLParam(r, "sessionId"))
	if !ok {
		return
	}

	n, err := h.service.UnlockAllBatches(r.Context(), sessionID.String())
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, ReleaseResponse{SessionID: sessionID.String(), Released: n})
}

// GetLockInfo handles GET /api/v1/sessions/{sessionId}/locks
func (h *AllocationHandler) GetLockInfo(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParseUUID(w, "session id", chi.URLParam(r, "sessionId"))
	if !ok {
		return
	}

	info, err := h.service.GetBatchLockInfo(r.Context(), sessionID.String())
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, info)
}

// ListActiveBatches handles GET /api/v1/stocks/{stockId}/batches
func (h *AllocationHandler) ListActiveBatches(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	batches, err := h.service.ActiveBatchesForStock(r.Context(), chi.URLParam(r, "stockId"))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, pagination.Page(batches, params))
}

// GetAvailability handles GET /api/v1/batches/{batchId}/availability
func (h *AllocationHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	n, err := h.service.AvailableQuantity(r.Context(), batchID)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, AvailabilityResponse{BatchID: batchID, Available: n})
}

// UpdateBatchStatus handles PUT /api/v1/batches/{batchId}/status
func (h *AllocationHandler) UpdateBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateBatchStatusRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	batch, err := h.service.UpdateBatchStatus(r.Context(), chi.URLParam(r, "batchId"), domain.BatchStatus(req.Status))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, batch)
}
