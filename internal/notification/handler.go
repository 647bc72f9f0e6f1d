package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/storefront-orders/internal/domain/order"
	"go.uber.org/zap"
)

// Mailer sends the order emails.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, to string, o *order.Order) error
	SendStatusUpdate(ctx context.Context, to string, o *order.Order, previous order.FulfillmentStatus, note string) error
	SendTransferClaimed(ctx context.Context, to string, o *order.Order) error
	SendPaymentFailed(ctx context.Context, to string, o *order.Order, reason string) error
}

// Handler processes events for sending notifications
type Handler struct {
	mailer     Mailer
	adminEmail string
	logger     *zap.Logger
	failures   FailureRecorder
}

// NewHandler creates a new notification handler. Transfer claims go to
// adminEmail; everything else goes to the customer.
func NewHandler(mailer Mailer, adminEmail string, logger *zap.Logger, failures FailureRecorder) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{mailer: mailer, adminEmail: adminEmail, logger: logger, failures: failures}
}

// HandleEvent processes an event from Kafka
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	var ev order.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal event %s: %w", string(key), err)
	}
	if ev.Order == nil {
		return fmt.Errorf("event %s for order %s carries no order", ev.ID, ev.OrderID)
	}

	log := h.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("order_id", ev.OrderID))

	to := ev.CustomerEmail
	if ev.Type == order.EventPaymentClaimed {
		to = h.adminEmail
	}
	if to == "" {
		log.Info("no recipient for event, skipping")
		return nil
	}

	var err error
	switch ev.Type {
	case order.EventOrderCreated:
		err = h.mailer.SendOrderConfirmation(ctx, to, ev.Order)
	case order.EventStatusChanged:
		err = h.mailer.SendStatusUpdate(ctx, to, ev.Order, ev.PreviousStatus, ev.Note)
	case order.EventPaymentClaimed:
		err = h.mailer.SendTransferClaimed(ctx, to, ev.Order)
	case order.EventPaymentFailed:
		err = h.mailer.SendPaymentFailed(ctx, to, ev.Order, ev.Note)
	default:
		log.Debug("ignoring event")
		return nil
	}
	if err != nil {
		if h.failures != nil {
			h.failures.NotificationFailed(ev.Type)
		}
		return fmt.Errorf("failed to notify %s: %w", ev.Type, err)
	}

	log.Info("notification sent", zap.String("to", to))
	return nil
}
