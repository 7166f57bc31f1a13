package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// CustomerPaymentMethodResolver charges the subscription's own payment method,
// falling back to the customer's default.
type CustomerPaymentMethodResolver struct {
	customers      ports.CustomerRepository
	paymentMethods ports.PaymentMethodRepository
}

// NewCustomerPaymentMethodResolver creates a resolver backed by storage
func NewCustomerPaymentMethodResolver(customers ports.CustomerRepository, paymentMethods ports.PaymentMethodRepository) *CustomerPaymentMethodResolver {
	return &CustomerPaymentMethodResolver{customers: customers, paymentMethods: paymentMethods}
}

// Resolve returns domain.ErrPMNotFound when no usable payment method exists
func (r *CustomerPaymentMethodResolver) Resolve(ctx context.Context, sub *domain.Subscription) (*domain.PaymentMethodReference, error) {
	id := ""
	if sub.PaymentMethodID != nil {
		id = *sub.PaymentMethodID
	}

	if id == "" {
		customer, err := r.customers.GetByID(ctx, sub.CustomerID)
		if err != nil {
			if errors.Is(err, domain.ErrCustomerNotFound) {
				return nil, domain.WrapError(domain.ErrorCodePMNotFound, "customer not found", err).
					WithDetail("customer_id", sub.CustomerID)
			}
			return nil, fmt.Errorf("get customer: %w", err)
		}
		if customer.DefaultPaymentMethodID == nil || *customer.DefaultPaymentMethodID == "" {
			return nil, domain.NewDomainError(domain.ErrorCodePMNotFound, "no payment method on file").
				WithDetail("customer_id", sub.CustomerID)
		}
		id = *customer.DefaultPaymentMethodID
	}

	pm, err := r.paymentMethods.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pm.CustomerID != sub.CustomerID {
		return nil, domain.NewDomainError(domain.ErrorCodePMNotFound, "payment method belongs to another customer").
			WithDetail("payment_method_id", id)
	}
	return pm, nil
}

var _ ports.PaymentMethodResolver = (*CustomerPaymentMethodResolver)(nil)
