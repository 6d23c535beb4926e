// Package app implements the inventory participant: it holds stock for new
// orders, releases it when the return saga asks, and keeps a cached
// availability snapshot the order service consults before accepting orders.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/outbox"
	"github.com/jcmexdev/order-sagas/internal/pkg/cache"
)

const cacheTTL = 30 * time.Second

// Service owns stock reservations.
type Service struct {
	store  *Store
	outbox *outbox.Store
	cache  cache.Cache
}

// NewService wires the service. cache may be nil when no Redis is configured.
func NewService(store *Store, ob *outbox.Store, c cache.Cache) *Service {
	return &Service{store: store, outbox: ob, cache: c}
}

// Reserve attempts to hold stock for every line of the order. The attempt is
// all-or-nothing: one transaction decrements every product and records every
// reservation, so a short line rolls the whole hold back. The outcome event
// is staged in the same transaction. An order that already has reservation
// rows is a replay and is skipped.
func (s *Service) Reserve(ctx context.Context, env event.Envelope) error {
	seen, err := s.store.HasReservations(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if seen {
		slog.Info("order already reserved, skipping", "orderId", env.OrderID)
		return nil
	}

	out := event.Envelope{
		OrderID:       env.OrderID,
		UserID:        env.UserID,
		PaymentMethod: env.PaymentMethod,
		CorrelationID: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var total float64
		items := make([]event.Item, 0, len(env.Items))
		for _, item := range env.Items {
			product, err := s.store.ProductTx(ctx, tx, item.ProductID)
			if err != nil {
				return err
			}
			if err := s.store.ReserveTx(ctx, tx, env.OrderID, item.ProductID, item.Quantity, product.Price); err != nil {
				return err
			}
			subtotal := product.Price * float64(item.Quantity)
			total += subtotal
			items = append(items, event.Item{
				ProductID:   item.ProductID,
				ProductName: product.Name,
				Quantity:    item.Quantity,
				UnitPrice:   product.Price,
				Subtotal:    subtotal,
			})
		}

		out.EventType = event.TypeInventoryReserved
		out.TotalAmount = total
		out.Items = items
		payload, err := out.Encode()
		if err != nil {
			return err
		}
		return s.outbox.AppendTx(ctx, tx,
			outbox.NewEvent("inventory", env.OrderID, out.EventType, payload))
	})

	switch {
	case err == nil:
		slog.Info("inventory reserved", "orderId", env.OrderID, "items", len(env.Items), "totalAmount", out.TotalAmount)
	case errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrProductNotFound):
		// The rollback already released any lines held so far; only the
		// failure event is left to record.
		if err := s.emitReservationFailed(ctx, env, err.Error()); err != nil {
			return err
		}
		slog.Warn("inventory reservation failed", "orderId", env.OrderID, "reason", err)
	default:
		return err
	}

	s.refreshAvailabilityCache(ctx)
	return nil
}

// Restore returns an order's held stock to the pool. Orders with no stock
// still held (already restored, or never reserved) are a no-op, so the saga
// may retry RESTORE_INVENTORY freely.
func (s *Service) Restore(ctx context.Context, orderID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		held, err := s.store.ReservedTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			slog.Info("no stock held for order, skipping restore", "orderId", orderID)
			return nil
		}
		for _, r := range held {
			if err := s.store.RestoreTx(ctx, tx, r); err != nil {
				return err
			}
		}
		slog.Info("inventory restored", "orderId", orderID, "lines", len(held))
		return nil
	})
	if err != nil {
		return err
	}
	s.refreshAvailabilityCache(ctx)
	return nil
}

func (s *Service) emitReservationFailed(ctx context.Context, env event.Envelope, reason string) error {
	out := event.Envelope{
		EventType:     event.TypeInventoryReserveFailed,
		OrderID:       env.OrderID,
		UserID:        env.UserID,
		Reason:        reason,
		CorrelationID: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	payload, err := out.Encode()
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.outbox.AppendTx(ctx, tx,
			outbox.NewEvent("inventory", env.OrderID, out.EventType, payload))
	})
}

// refreshAvailabilityCache pushes the current stock counts to Redis. Cache
// writes are best effort; a miss only costs the order service its advisory
// pre-check.
func (s *Service) refreshAvailabilityCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	products, err := s.store.Availability(ctx)
	if err != nil {
		slog.Warn("availability snapshot skipped", "error", err)
		return
	}
	for _, p := range products {
		key := s.cache.GenerateKey("availability", p.ID)
		if err := s.cache.Set(ctx, key, strconv.Itoa(p.Available), cacheTTL); err != nil {
			slog.Warn("availability cache write failed", "productId", p.ID, "error", err)
			return
		}
	}
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inventory: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("inventory: commit: %w", err)
	}
	return nil
}
