package ports

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// WebhookNotifier publishes billing events. Emit must not block the caller on
// delivery and never fails: delivery errors are logged by the implementation.
type WebhookNotifier interface {
	Emit(ctx context.Context, event domain.Event)
}

// TickLocker guards a billing sweep across processes
type TickLocker interface {
	// Acquire returns false when another holder owns the lock
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}
