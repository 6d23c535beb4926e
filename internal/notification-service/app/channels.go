package app

import (
	"context"
	"fmt"
	"log/slog"
)

// Notification channels.
const (
	ChannelEmail = "EMAIL"
	ChannelSMS   = "SMS"
)

// Notifier delivers one notification over one channel.
type Notifier interface {
	Channel() string
	Send(ctx context.Context, n Notification) error
}

// ChannelRegistry resolves notifiers by channel name. Dispatch fans out to
// every registered channel.
type ChannelRegistry struct {
	notifiers map[string]Notifier
}

// NewChannelRegistry builds a registry with the built-in channels.
func NewChannelRegistry() *ChannelRegistry {
	r := &ChannelRegistry{notifiers: make(map[string]Notifier)}
	r.Register(emailNotifier{})
	r.Register(smsNotifier{})
	return r
}

// Register adds or replaces a notifier.
func (r *ChannelRegistry) Register(n Notifier) {
	r.notifiers[n.Channel()] = n
}

// Dispatch sends n through every channel. A failing channel is logged and
// skipped; one broken provider must not hold the saga hostage. The count of
// successful deliveries is returned.
func (r *ChannelRegistry) Dispatch(ctx context.Context, n Notification) int {
	sent := 0
	for _, notifier := range r.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			slog.Warn("notification channel failed",
				"channel", notifier.Channel(), "userId", n.UserID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// emailNotifier and smsNotifier stand in for real provider integrations;
// delivery here is a structured log line.
type emailNotifier struct{}

func (emailNotifier) Channel() string { return ChannelEmail }

func (emailNotifier) Send(_ context.Context, n Notification) error {
	slog.Info("email notification sent",
		"userId", n.UserID, "orderId", n.OrderID, "message", n.Message)
	return nil
}

type smsNotifier struct{}

func (smsNotifier) Channel() string { return ChannelSMS }

func (smsNotifier) Send(_ context.Context, n Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("sms: no recipient for order %s", n.OrderID)
	}
	slog.Info("sms notification sent",
		"userId", n.UserID, "orderId", n.OrderID, "message", n.Message)
	return nil
}
