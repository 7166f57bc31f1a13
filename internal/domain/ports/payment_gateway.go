package ports

import (
	"context"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// ChargeRequest represents a request to charge a stored payment method
type ChargeRequest struct {
	Metadata       map[string]string
	PaymentMethod  domain.PaymentMethodReference
	Currency       string
	IdempotencyKey string
	Description    string
	Amount         int64 // minor currency units
}

// ChargeResult represents a successful charge
type ChargeResult struct {
	TransactionID string
	Status        string
}

// PaymentGateway charges stored payment methods.
//
// Charge returns a *domain.DomainError on failure: GATEWAY_DECLINED when the
// processor refused the charge, GATEWAY_ERROR or GATEWAY_TIMEOUT otherwise,
// with Transient set when a later attempt may succeed.
type PaymentGateway interface {
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
}

// PaymentMethodResolver picks the payment method a subscription is charged with
type PaymentMethodResolver interface {
	Resolve(ctx context.Context, sub *domain.Subscription) (*domain.PaymentMethodReference, error)
}
