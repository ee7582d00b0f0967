package api

import (
	"context"
	"fmt"
	"time"
)

// OrderStatusGetter reads the status of an async order
type OrderStatusGetter interface {
	GetOrderStatus(ctx context.Context, transactionID string) (*OrderStatus, error)
}

// PollOrderStatus polls at a fixed interval until the order is closed or failed.
// Status read errors are retried within the same attempt budget.
func PollOrderStatus(ctx context.Context, broker OrderStatusGetter, transactionID string, attempts int, interval time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	var lastState OrderState
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		status, err := broker.GetOrderStatus(ctx, transactionID)
		if err != nil {
			lastErr = err
			continue
		}
		lastState = status.Status

		switch status.Status {
		case OrderClosed:
			return nil
		case OrderFailed:
			return fmt.Errorf("order %s: %w", transactionID, ErrOrderFailed)
		}
	}

	if lastErr != nil && lastState == "" {
		return fmt.Errorf("order %s after %d attempts: %w (last error: %v)", transactionID, attempts, ErrConfirmationTimeout, lastErr)
	}
	return fmt.Errorf("order %s still %s after %d attempts: %w", transactionID, lastState, attempts, ErrConfirmationTimeout)
}
