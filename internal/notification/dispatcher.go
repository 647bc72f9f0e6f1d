package notification

import (
	"context"
	"sync"

	"github.com/example/storefront-orders/internal/domain/order"
	"go.uber.org/zap"
)

// Publisher delivers an event to the notification pipeline.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// FailureRecorder counts events that could not be handed off.
type FailureRecorder interface {
	NotificationFailed(eventType string)
}

// Dispatcher publishes order events on background goroutines. Failures are
// logged and counted, never returned to the caller.
type Dispatcher struct {
	publisher Publisher
	logger    *zap.Logger
	failures  FailureRecorder

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(p Publisher, logger *zap.Logger, failures FailureRecorder) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{publisher: p, logger: logger, failures: failures}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev order.Event) {
	// The request may finish before the publish does.
	ctx = context.WithoutCancel(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dispatcher closed, dropping order event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.String("order_id", ev.OrderID))
		if d.failures != nil {
			d.failures.NotificationFailed(ev.Type)
		}
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.publisher.Publish(ctx, ev.OrderID, ev); err != nil {
			d.logger.Warn("failed to publish order event",
				zap.String("event_id", ev.ID),
				zap.String("event_type", ev.Type),
				zap.String("order_id", ev.OrderID),
				zap.Error(err))
			if d.failures != nil {
				d.failures.NotificationFailed(ev.Type)
			}
			return
		}
		d.logger.Debug("order event published",
			zap.String("event_type", ev.Type),
			zap.String("order_id", ev.OrderID))
	}()
}

// Close stops accepting events and blocks until every dispatched event has
// been handed off or failed. Later dispatches are dropped and counted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
