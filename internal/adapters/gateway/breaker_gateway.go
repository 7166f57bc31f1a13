// Package gateway holds decorators that sit between the billing scheduler and
// a concrete payment processor adapter.
package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
)

// BreakerGateway stops calling a failing processor for a cool-down period.
// Declines are a verdict on the card, not on the processor, and never trip it.
type BreakerGateway struct {
	next    ports.PaymentGateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerGateway wraps next with a circuit breaker
func NewBreakerGateway(next ports.PaymentGateway, cfg CircuitBreakerConfig, logger *zap.Logger) *BreakerGateway {
	breaker := NewCircuitBreaker(cfg)
	breaker.OnStateChange(func(state CircuitState) {
		observability.RecordGatewayCircuitState(int(state))
		logger.Warn("Payment gateway circuit changed state", zap.String("state", state.String()))
	})

	return &BreakerGateway{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

// Charge forwards to the wrapped gateway unless the circuit is open, in which
// case it fails fast with a transient gateway error.
func (g *BreakerGateway) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	var result *ports.ChargeResult
	err := g.breaker.Call(func() error {
		var err error
		result, err = g.next.Charge(ctx, req)
		return err
	}, countsAgainstProcessor)

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return nil, domain.NewGatewayError("payment gateway unavailable", true, err)
	}
	return result, err
}

// State exposes the breaker state for health reporting
func (g *BreakerGateway) State() CircuitState {
	return g.breaker.State()
}

func countsAgainstProcessor(err error) bool {
	return !domain.IsDomainError(err, domain.ErrorCodeGatewayDeclined)
}

var _ ports.PaymentGateway = (*BreakerGateway)(nil)
