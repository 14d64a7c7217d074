package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ec-payments/internal/domain/order"
	"go.uber.org/zap"
)

// Handler consumes PaymentSettled messages and runs the dispatcher.
type Handler struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewHandler(d *Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{dispatcher: d, logger: logger.Named("notifier")}
}

// HandleEvent processes an event from Kafka
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	var event order.PaymentSettled
	if err := json.Unmarshal(value, &event); err != nil {
		h.logger.Error("Failed to unmarshal event", zap.ByteString("key", key), zap.Error(err))
		return err
	}

	if event.EventType != order.EventPaymentSettled {
		return nil
	}
	if event.OrderID == "" {
		return fmt.Errorf("PaymentSettled event %s has no order id", event.EventID)
	}

	h.logger.Info("Processing PaymentSettled",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID))

	return h.dispatcher.Run(ctx, event.OrderID)
}
