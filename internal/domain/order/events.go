package order

import "time"

const EventPaymentSettled = "PaymentSettled"

// PaymentSettled is published once an order has moved from pending to paid.
// Consumers use it to run side effects out of process.
type PaymentSettled struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	OrderID         string    `json:"order_id"`
	Gateway         string    `json:"gateway"`
	GatewayOrderRef string    `json:"gateway_order_ref"`
	PaymentRef      string    `json:"payment_ref"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	SettledAt       time.Time `json:"settled_at"`
}
