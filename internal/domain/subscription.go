package domain

import (
	"time"
)

// SubscriptionStatus represents the subscription state
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
)

// subscriptionTransitions lists every legal status change. Staying in the same
// status is always allowed and is not listed.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusPaused, SubscriptionStatusCanceled},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusUnpaid, SubscriptionStatusCanceled},
	SubscriptionStatusUnpaid:   {SubscriptionStatusCanceled},
	SubscriptionStatusPaused:   {SubscriptionStatusActive, SubscriptionStatusCanceled},
	SubscriptionStatusCanceled: {},
}

// IsValid returns true for the enumerated subscription statuses
func (s SubscriptionStatus) IsValid() bool {
	_, ok := subscriptionTransitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	if s == next {
		return s.IsValid()
	}
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsBillable returns true for statuses the scheduler charges
func (s SubscriptionStatus) IsBillable() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// HoldsPlanSlot returns true for statuses that count against the one-per-(customer, plan) limit
func (s SubscriptionStatus) HoldsPlanSlot() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// Subscription represents a customer's recurring billing agreement for a plan
type Subscription struct {
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	NextPaymentDate    time.Time          `json:"next_payment_date"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	LastPaymentDate    *time.Time         `json:"last_payment_date,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	PaymentMethodID    *string            `json:"payment_method_id,omitempty"`
	Metadata           map[string]string  `json:"metadata"`
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	PlanID             string             `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	FailedPaymentCount int                `json:"failed_payment_count"`
	Quantity           int                `json:"quantity"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// IsCanceled returns true if the subscription has reached its terminal state
func (s *Subscription) IsCanceled() bool {
	return s.Status == SubscriptionStatusCanceled
}

// IsDue returns true if the scheduler should bill the subscription at now
func (s *Subscription) IsDue(now time.Time) bool {
	return s.Status.IsBillable() && !s.NextPaymentDate.After(now)
}

// InTrial returns true while the trial window is still open at now
func (s *Subscription) InTrial(now time.Time) bool {
	return s.Status == SubscriptionStatusTrialing && s.TrialEnd != nil && now.Before(*s.TrialEnd)
}

// AtPeriodBoundary returns true once the current period has fully elapsed
func (s *Subscription) AtPeriodBoundary(now time.Time) bool {
	return !now.Before(s.CurrentPeriodEnd)
}

// TransitionTo moves the subscription to next or fails with ErrInvalidTransition
func (s *Subscription) TransitionTo(next SubscriptionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return WrapError(ErrorCodeInvalidTransition, "invalid subscription status transition", nil).
			WithDetail("from", string(s.Status)).
			WithDetail("to", string(next))
	}
	s.Status = next
	return nil
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.TrialStart = cloneTime(s.TrialStart)
	cp.TrialEnd = cloneTime(s.TrialEnd)
	cp.LastPaymentDate = cloneTime(s.LastPaymentDate)
	cp.CanceledAt = cloneTime(s.CanceledAt)
	if s.PaymentMethodID != nil {
		pm := *s.PaymentMethodID
		cp.PaymentMethodID = &pm
	}
	cp.Metadata = cloneMetadata(s.Metadata)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
