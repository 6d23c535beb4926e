// Package app implements the payment participant of the order flow. It
// charges reserved orders through method-specific strategies and handles
// refund commands from the return saga.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/outbox"
)

// ErrNotRefundable is returned when a refund is requested for a payment
// that never completed.
var ErrNotRefundable = errors.New("payment not refundable")

const refundRetries = 3

// Service owns payment processing and refunds.
type Service struct {
	store      *Store
	outbox     *outbox.Store
	strategies *Registry
}

// NewService wires the service to its store and outbox.
func NewService(store *Store, ob *outbox.Store) *Service {
	return &Service{store: store, outbox: ob, strategies: NewRegistry()}
}

// ProcessPayment charges the order described by env. The payment row and the
// resulting event are committed in one transaction; replays of the same
// order are answered with the stored outcome instead of a second charge.
func (s *Service) ProcessPayment(ctx context.Context, env event.Envelope) (Payment, error) {
	if existing, err := s.store.ByOrderID(ctx, env.OrderID); err == nil {
		slog.Info("payment already processed, skipping",
			"orderId", env.OrderID, "status", existing.Status)
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Payment{}, err
	}

	method := env.PaymentMethod
	if method == "" {
		method = MethodCreditCard
	}
	strategy, err := s.strategies.Resolve(method)
	if err != nil {
		return Payment{}, err
	}
	result := strategy.Process(env.OrderID, env.TotalAmount)

	now := time.Now().UTC()
	p := Payment{
		ID:        uuid.NewString(),
		OrderID:   env.OrderID,
		UserID:    env.UserID,
		Amount:    env.TotalAmount,
		Method:    method,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out := event.Envelope{
		OrderID:       env.OrderID,
		UserID:        env.UserID,
		TotalAmount:   env.TotalAmount,
		CorrelationID: env.CorrelationID,
		Timestamp:     now,
	}
	if result.Approved {
		p.Status = StatusCompleted
		p.TransactionID = result.TransactionID
		out.EventType = event.TypePaymentCompleted
		out.TransactionID = result.TransactionID
	} else {
		p.Status = StatusFailed
		p.FailureReason = result.Reason
		out.EventType = event.TypePaymentFailed
		out.Reason = result.Reason
	}

	payload, err := out.Encode()
	if err != nil {
		return Payment{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateTx(ctx, tx, p); err != nil {
			return err
		}
		return s.outbox.AppendTx(ctx, tx,
			outbox.NewEvent("payment", p.OrderID, out.EventType, payload))
	})
	if err != nil {
		return Payment{}, err
	}

	slog.Info("payment processed",
		"orderId", p.OrderID, "method", method, "status", p.Status, "amount", p.Amount)
	return p, nil
}

// ProcessRefund refunds a completed payment and returns the refund
// transaction id. A payment already refunded returns its stored refund id,
// so the saga can retry the INITIATE_REFUND command safely. The update is
// guarded by the payment version and retried on conflict.
func (s *Service) ProcessRefund(ctx context.Context, orderID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < refundRetries; attempt++ {
		p, err := s.store.ByOrderID(ctx, orderID)
		if err != nil {
			return "", err
		}
		if p.Status == StatusRefunded {
			slog.Info("payment already refunded, skipping",
				"orderId", orderID, "refundTransactionId", p.RefundTransactionID)
			return p.RefundTransactionID, nil
		}
		if p.Status != StatusCompleted {
			return "", fmt.Errorf("%w: order %s has status %s", ErrNotRefundable, orderID, p.Status)
		}

		refundTxnID := "REFUND-" + uuid.NewString()
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			return s.store.MarkRefundedTx(ctx, tx, p.ID, refundTxnID, p.Version)
		})
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}
		slog.Info("payment refunded", "orderId", orderID, "refundTransactionId", refundTxnID)
		return refundTxnID, nil
	}
	return "", fmt.Errorf("refund for order %s: %w", orderID, lastErr)
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("payments: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("payments: commit: %w", err)
	}
	return nil
}
