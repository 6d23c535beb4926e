package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/order-sagas/internal/notification-service/app"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
	"github.com/jcmexdev/order-sagas/internal/projection"
)

// Handler exposes the order projection and the notification history.
type Handler struct {
	query *projection.Query
	store *app.Store
}

// NewHandler wires the handler.
func NewHandler(query *projection.Query, store *app.Store) *Handler {
	return &Handler{query: query, store: store}
}

// NewRouter mounts the read endpoints.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(correlate.Middleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/orders/{id}/status", handler.GetOrderStatus)
	r.Get("/users/{userId}/notifications", handler.GetUserNotifications)
	return r
}

// GetOrderStatus answers a point lookup against the projection: the live
// view when the stream processor runs, the database copy otherwise.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	st, err := h.query.Get(r.Context(), orderID)
	if errors.Is(err, projection.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order_view_not_found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "order_view_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetUserNotifications lists a user's delivered notifications.
func (h *Handler) GetUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	sent, err := h.store.ByUserID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "notifications_failed", err.Error())
		return
	}

	out := make([]NotificationResponse, len(sent))
	for i, n := range sent {
		out[i] = NotificationResponse{
			ID:        n.ID,
			OrderID:   n.OrderID,
			EventType: n.EventType,
			Message:   n.Message,
			Channels:  n.Channels,
			CreatedAt: n.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
