package event

import (
	"encoding/json"
	"fmt"
)

// Return saga command steps. Each participant filters the shared command
// topic by step and ignores the rest.
const (
	StepInitiateRefund   = "INITIATE_REFUND"
	StepCompensateRefund = "COMPENSATE_REFUND"
	StepRestoreInventory = "RESTORE_INVENTORY"
	StepSendNotification = "SEND_NOTIFICATION"
)

// Return saga reply types published on the shared reply topic.
const (
	ReplyRefundCompleted   = "REFUND_COMPLETED"
	ReplyRefundFailed      = "REFUND_FAILED"
	ReplyInventoryRestored = "INVENTORY_RESTORED"
	ReplyNotificationSent  = "NOTIFICATION_SENT"
)

// SagaCommand is published by the return saga orchestrator on
// return-saga-commands, keyed by orderId.
type SagaCommand struct {
	SagaID        string  `json:"sagaId"`
	OrderID       string  `json:"orderId"`
	UserID        string  `json:"userId"`
	Step          string  `json:"step"`
	Amount        float64 `json:"amount,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
	Items         []Item  `json:"items,omitempty"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

// SagaReply is published by participants on return-saga-replies, keyed by
// orderId. Replies are delivered at least once; the orchestrator's state
// transitions are keyed off the current status so re-delivery is harmless.
type SagaReply struct {
	SagaID              string `json:"sagaId"`
	OrderID             string `json:"orderId"`
	ReplyType           string `json:"replyType"`
	RefundTransactionID string `json:"refundTransactionId,omitempty"`
	CorrelationID       string `json:"correlationId,omitempty"`
}

func (c SagaCommand) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("event: encode saga command %s: %w", c.Step, err)
	}
	return b, nil
}

func DecodeCommand(payload []byte) (SagaCommand, error) {
	var c SagaCommand
	if err := json.Unmarshal(payload, &c); err != nil {
		return SagaCommand{}, fmt.Errorf("event: decode saga command: %w", err)
	}
	return c, nil
}

func (r SagaReply) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("event: encode saga reply %s: %w", r.ReplyType, err)
	}
	return b, nil
}

func DecodeReply(payload []byte) (SagaReply, error) {
	var r SagaReply
	if err := json.Unmarshal(payload, &r); err != nil {
		return SagaReply{}, fmt.Errorf("event: decode saga reply: %w", err)
	}
	return r, nil
}
