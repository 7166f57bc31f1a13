package ports

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// PlanRepository defines the interface for plan persistence
type PlanRepository interface {
	// Create stores a new plan
	Create(ctx context.Context, plan *domain.Plan) error

	// GetByID returns domain.ErrPlanNotFound when the plan does not exist
	GetByID(ctx context.Context, id string) (*domain.Plan, error)

	// List returns plans ordered by creation time
	List(ctx context.Context, activeOnly bool) ([]*domain.Plan, error)

	// SetActive toggles the only mutable plan field
	SetActive(ctx context.Context, id string, active bool) error
}

// CustomerRepository defines the interface for customer persistence
type CustomerRepository interface {
	Create(ctx context.Context, customer *domain.Customer) error
	GetByID(ctx context.Context, id string) (*domain.Customer, error)
}

// PaymentMethodRepository stores tokenized payment method references
type PaymentMethodRepository interface {
	Create(ctx context.Context, customerID string, pm *domain.PaymentMethodReference) error

	// GetByID returns domain.ErrPMNotFound when the payment method does not exist
	GetByID(ctx context.Context, id string) (*domain.PaymentMethodReference, error)
}

// SubscriptionRepository defines the interface for subscription persistence
type SubscriptionRepository interface {
	// Create stores a new subscription. Implementations reject a second
	// active/trialing subscription for the same (customer, plan) with
	// domain.ErrDuplicateSubscription.
	Create(ctx context.Context, sub *domain.Subscription) error

	// GetByID returns domain.ErrSubscriptionNotFound when the subscription does not exist
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)

	// Update persists every mutable field of sub
	Update(ctx context.Context, sub *domain.Subscription) error

	// ListByCustomer returns a customer's subscriptions, newest first
	ListByCustomer(ctx context.Context, customerID string) ([]*domain.Subscription, error)

	// ListDue returns billable subscriptions with next_payment_date <= now, oldest first
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error)

	// ClaimDue atomically moves next_payment_date from observed to leaseUntil.
	// It returns false when another worker already claimed or changed the row.
	ClaimDue(ctx context.Context, id string, observed, leaseUntil time.Time) (bool, error)
}

// InvoiceRepository defines the interface for invoice persistence
type InvoiceRepository interface {
	// Create returns domain.ErrInvoiceAlreadyExists when an invoice of the same
	// kind already exists for (subscription, period start)
	Create(ctx context.Context, inv *domain.Invoice) error

	// GetByID returns domain.ErrInvoiceNotFound when the invoice does not exist
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)

	// GetByPeriod returns domain.ErrInvoiceNotFound when no invoice matches
	GetByPeriod(ctx context.Context, subscriptionID string, kind domain.InvoiceKind, periodStart time.Time) (*domain.Invoice, error)

	// ListBySubscription returns all invoices for a subscription, oldest period first
	ListBySubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error)

	// ListOpenBySubscription returns open invoices, setup fees first then oldest period first
	ListOpenBySubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error)

	// Update persists every mutable field of inv
	Update(ctx context.Context, inv *domain.Invoice) error
}
