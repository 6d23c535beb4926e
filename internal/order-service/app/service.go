// Package app implements the order aggregate: it accepts new orders, stages
// their ORDER_CREATED event through the outbox, and folds the fulfillment
// events published by inventory and payment back into the order's status.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/outbox"
	"github.com/jcmexdev/order-sagas/internal/pkg/cache"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
)

// CreateOrderRequest is an accepted order submission. Name and price are the
// caller's claim, used only when the catalog cannot be reached.
type CreateOrderRequest struct {
	UserID        string
	PaymentMethod string
	Items         []RequestItem
}

// RequestItem is one submitted order line.
type RequestItem struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   float64
}

// Service owns order creation and status folding.
type Service struct {
	store    *Store
	outbox   *outbox.Store
	products ProductClient
	cache    cache.Cache
}

// NewService wires the service. products and cache may be nil; both are
// degradable collaborators.
func NewService(store *Store, ob *outbox.Store, products ProductClient, c cache.Cache) *Service {
	return &Service{store: store, outbox: ob, products: products, cache: c}
}

// CreateOrder persists a PENDING order and its ORDER_CREATED event in one
// transaction and returns immediately; fulfillment happens asynchronously.
// Product data comes from the catalog when reachable, from the request
// otherwise. The cached availability check is advisory: it logs a likely
// shortage but never rejects the order, inventory has the final word.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if len(req.Items) == 0 {
		return Order{}, fmt.Errorf("order must have at least one item")
	}

	now := time.Now().UTC()
	o := Order{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Status:        StatusPending,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range req.Items {
		name, price := item.ProductName, item.UnitPrice
		if s.products != nil {
			if info, err := s.products.Lookup(ctx, item.ProductID); err == nil {
				name, price = info.Name, info.Price
			} else {
				slog.Warn("catalog unavailable, using caller-supplied product data",
					"productId", item.ProductID, "error", err)
			}
		}
		subtotal := price * float64(item.Quantity)
		o.TotalAmount += subtotal
		o.Items = append(o.Items, event.Item{
			ProductID:   item.ProductID,
			ProductName: name,
			Quantity:    item.Quantity,
			UnitPrice:   price,
			Subtotal:    subtotal,
		})
		s.advisoryAvailabilityCheck(ctx, item.ProductID, item.Quantity)
	}

	created := event.Envelope{
		EventType:     event.TypeOrderCreated,
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        StatusPending,
		TotalAmount:   o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
		Items:         o.Items,
		CorrelationID: correlate.FromContext(ctx),
		Timestamp:     now,
	}
	payload, err := created.Encode()
	if err != nil {
		return Order{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateTx(ctx, tx, o); err != nil {
			return err
		}
		return s.outbox.AppendTx(ctx, tx,
			outbox.NewEvent("order", o.ID, created.EventType, payload))
	})
	if err != nil {
		return Order{}, err
	}

	slog.Info("order accepted", "orderId", o.ID, "userId", o.UserID, "totalAmount", o.TotalAmount)
	return o, nil
}

// Get loads one order.
func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	return s.store.ByID(ctx, orderID)
}

// ApplyEvent folds one fulfillment event into the order. The transition
// table decides the next status; events that do not move the order (replays,
// late arrivals after a terminal state) are absorbed silently. The status
// update and any outgoing order events commit together.
func (s *Service) ApplyEvent(ctx context.Context, env event.Envelope) error {
	o, err := s.store.ByID(ctx, env.OrderID)
	if err != nil {
		return err
	}

	next, outgoing, ok := Transition(o, env)
	if !ok {
		slog.Info("event does not move order, absorbing",
			"orderId", env.OrderID, "status", o.Status, "eventType", env.EventType)
		return nil
	}

	failureReason := o.FailureReason
	if next == StatusCancelled {
		failureReason = env.Reason
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		moved, err := s.store.UpdateStatusTx(ctx, tx, o.ID, o.Status, next, failureReason)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		for _, out := range outgoing {
			payload, err := out.Encode()
			if err != nil {
				return err
			}
			if err := s.outbox.AppendTx(ctx, tx,
				outbox.NewEvent("order", o.ID, out.EventType, payload)); err != nil {
				return err
			}
		}
		slog.Info("order status updated",
			"orderId", o.ID, "from", o.Status, "to", next, "eventType", env.EventType)
		return nil
	})
}

// MarkReturned flips a confirmed order to RETURNED and stages the
// RETURN_COMPLETED event. The status guard makes the flip happen exactly
// once no matter how often the saga re-delivers INVENTORY_RESTORED.
func (s *Service) MarkReturned(ctx context.Context, orderID string) error {
	o, err := s.store.ByID(ctx, orderID)
	if err != nil {
		return err
	}

	out := event.Envelope{
		EventType:     event.TypeReturnCompleted,
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        StatusReturned,
		TotalAmount:   o.TotalAmount,
		CorrelationID: correlate.FromContext(ctx),
		Timestamp:     time.Now().UTC(),
	}
	payload, err := out.Encode()
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		moved, err := s.store.UpdateStatusTx(ctx, tx, o.ID, StatusConfirmed, StatusReturned, "")
		if err != nil {
			return err
		}
		if !moved {
			slog.Info("order already returned, skipping", "orderId", orderID)
			return nil
		}
		return s.outbox.AppendTx(ctx, tx,
			outbox.NewEvent("order", o.ID, out.EventType, payload))
	})
}

func (s *Service) advisoryAvailabilityCheck(ctx context.Context, productID string, quantity int) {
	if s.cache == nil {
		return
	}
	key := s.cache.GenerateKey("availability", productID)
	raw, err := s.cache.Get(ctx, key)
	if err != nil || raw == "" {
		return
	}
	available, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	if available < quantity {
		slog.Warn("cached availability below requested quantity, accepting anyway",
			"productId", productID, "requested", quantity, "cached", available)
	}
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orders: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("orders: commit: %w", err)
	}
	return nil
}
