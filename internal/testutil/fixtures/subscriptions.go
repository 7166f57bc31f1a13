package fixtures

import (
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
)

// NewPlan returns an active $9.99 monthly USD plan with no trial.
func NewPlan(id string) *domain.Plan {
	return &domain.Plan{
		ID:            id,
		Name:          "Plan " + id,
		Amount:        999,
		Currency:      "USD",
		Interval:      domain.IntervalMonthly,
		IntervalCount: 1,
		Active:        true,
		CreatedAt:     time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
	}
}

// NewCustomer returns a customer with a default payment method id of "pm_" + id.
func NewCustomer(id string) *domain.Customer {
	return &domain.Customer{
		ID:                     id,
		Email:                  id + "@example.com",
		Name:                   "Customer " + id,
		GatewayCustomerID:      "gw_" + id,
		DefaultPaymentMethodID: Ptr("pm_" + id),
	}
}

// NewPaymentMethod returns a tokenized payment method owned by customerID.
func NewPaymentMethod(id, customerID string) *domain.PaymentMethodReference {
	return &domain.PaymentMethodReference{
		ID:                id,
		CustomerID:        customerID,
		GatewayToken:      "tok_" + id,
		GatewayCustomerID: "gw_" + customerID,
	}
}

// SubscriptionBuilder provides fluent API for building test subscriptions.
type SubscriptionBuilder struct {
	subscription *domain.Subscription
}

// NewSubscription creates an active monthly subscription whose period started at start.
func NewSubscription(start time.Time) *SubscriptionBuilder {
	end := start.AddDate(0, 1, 0)
	return &SubscriptionBuilder{
		subscription: &domain.Subscription{
			ID:                 uuid.New().String(),
			CustomerID:         "cus_1",
			PlanID:             "plan_basic",
			Status:             domain.SubscriptionStatusActive,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
			NextPaymentDate:    end,
			Quantity:           1,
			CreatedAt:          start,
			UpdatedAt:          start,
		},
	}
}

func (b *SubscriptionBuilder) WithID(id string) *SubscriptionBuilder {
	b.subscription.ID = id
	return b
}

func (b *SubscriptionBuilder) WithCustomerID(customerID string) *SubscriptionBuilder {
	b.subscription.CustomerID = customerID
	return b
}

func (b *SubscriptionBuilder) WithPlanID(planID string) *SubscriptionBuilder {
	b.subscription.PlanID = planID
	return b
}

func (b *SubscriptionBuilder) WithStatus(status domain.SubscriptionStatus) *SubscriptionBuilder {
	b.subscription.Status = status
	return b
}

func (b *SubscriptionBuilder) WithQuantity(quantity int) *SubscriptionBuilder {
	b.subscription.Quantity = quantity
	return b
}

func (b *SubscriptionBuilder) WithNextPaymentDate(date time.Time) *SubscriptionBuilder {
	b.subscription.NextPaymentDate = date
	return b
}

func (b *SubscriptionBuilder) WithPaymentMethodID(id string) *SubscriptionBuilder {
	b.subscription.PaymentMethodID = &id
	return b
}

func (b *SubscriptionBuilder) CancelAtPeriodEnd() *SubscriptionBuilder {
	b.subscription.CancelAtPeriodEnd = true
	return b
}

func (b *SubscriptionBuilder) PastDue(failures int) *SubscriptionBuilder {
	b.subscription.Status = domain.SubscriptionStatusPastDue
	b.subscription.FailedPaymentCount = failures
	return b
}

func (b *SubscriptionBuilder) Build() *domain.Subscription {
	return b.subscription.Clone()
}
