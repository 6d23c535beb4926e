package httpx

import "time"

type NotificationResponse struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	EventType string    `json:"eventType"`
	Message   string    `json:"message"`
	Channels  int       `json:"channels"`
	CreatedAt time.Time `json:"createdAt"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
