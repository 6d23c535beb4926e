package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/order-sagas/internal/coordinator"
	"github.com/jcmexdev/order-sagas/internal/order-service/app"
)

// Handler exposes the order aggregate and the return saga over HTTP.
type Handler struct {
	orders *app.Service
	sagas  *coordinator.Orchestrator
}

// NewHandler wires the handler. sagas may be nil when returns are disabled.
func NewHandler(orders *app.Service, sagas *coordinator.Orchestrator) *Handler {
	return &Handler{orders: orders, sagas: sagas}
}

// CreateOrder accepts the order and returns 202: the local write and the
// outbox row are committed, fulfillment continues asynchronously.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.UserID == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId and items are required")
		return
	}

	items := make([]app.RequestItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" || it.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_item", "productId and a positive quantity are required")
			return
		}
		items = append(items, app.RequestItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}

	slog.InfoContext(r.Context(), "creating order", "userId", req.UserID, "items", len(items))

	order, err := h.orders.CreateOrder(r.Context(), app.CreateOrderRequest{
		UserID:        req.UserID,
		PaymentMethod: req.PaymentMethod,
		Items:         items,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "order_create_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, mapOrderToResponse(order))
}

// GetOrderByID retrieves a single order by its id.
func (h *Handler) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	order, err := h.orders.Get(r.Context(), orderID)
	if errors.Is(err, app.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "order_lookup_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, mapOrderToResponse(order))
}

// StartReturn opens the return saga for a confirmed order.
func (h *Handler) StartReturn(w http.ResponseWriter, r *http.Request) {
	if h.sagas == nil {
		writeError(w, http.StatusNotImplemented, "returns_disabled", "")
		return
	}
	orderID := chi.URLParam(r, "id")

	var req StartReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	sg, err := h.sagas.StartSaga(r.Context(), orderID, req.UserID, req.Reason)
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", "")
	case errors.Is(err, coordinator.ErrOrderNotReturnable):
		writeError(w, http.StatusUnprocessableEntity, "order_not_returnable", err.Error())
	case errors.Is(err, coordinator.ErrSagaConflict):
		writeError(w, http.StatusConflict, "return_in_progress", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "return_start_failed", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, mapSagaToResponse(sg))
	}
}

// GetReturnByID retrieves one return saga record.
func (h *Handler) GetReturnByID(w http.ResponseWriter, r *http.Request) {
	if h.sagas == nil {
		writeError(w, http.StatusNotImplemented, "returns_disabled", "")
		return
	}

	sg, err := h.sagas.Saga(r.Context(), chi.URLParam(r, "sagaId"))
	if errors.Is(err, coordinator.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, "return_not_found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "return_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(sg))
}

func mapOrderToResponse(order app.Order) OrderResponse {
	items := make([]OrderItemResponse, len(order.Items))
	for i, it := range order.Items {
		items[i] = OrderItemResponse{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Subtotal:    it.Subtotal,
		}
	}
	return OrderResponse{
		ID:            order.ID,
		UserID:        order.UserID,
		Status:        order.Status,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		FailureReason: order.FailureReason,
		Items:         items,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
}

func mapSagaToResponse(sg coordinator.Saga) ReturnSagaResponse {
	return ReturnSagaResponse{
		ID:          sg.ID,
		OrderID:     sg.OrderID,
		Status:      sg.Status,
		CurrentStep: sg.CurrentStep,
		Reason:      sg.Reason,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
