package webhook

import (
	"context"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// MultiNotifier fans each event out to every sink in order
type MultiNotifier []ports.WebhookNotifier

// NewMultiNotifier skips nil sinks so optional adapters can be passed unconditionally
func NewMultiNotifier(sinks ...ports.WebhookNotifier) MultiNotifier {
	m := make(MultiNotifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m MultiNotifier) Emit(ctx context.Context, event domain.Event) {
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

var _ ports.WebhookNotifier = MultiNotifier(nil)
