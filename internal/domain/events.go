package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a webhook event
type EventType string

const (
	EventSubscriptionCreated          EventType = "subscription.created"
	EventSubscriptionUpdated          EventType = "subscription.updated"
	EventSubscriptionCanceled         EventType = "subscription.canceled"
	EventSubscriptionPaymentSucceeded EventType = "subscription.payment_succeeded"
	EventSubscriptionPaymentFailed    EventType = "subscription.payment_failed"
	EventInvoicePaymentSucceeded      EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed         EventType = "invoice.payment_failed"
)

// Event is the envelope delivered to webhook and message bus subscribers
type Event struct {
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
}

// SubscriptionEventData flattens a subscription into an event payload
func SubscriptionEventData(sub *Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"subscription_id":      sub.ID,
		"customer_id":          sub.CustomerID,
		"plan_id":              sub.PlanID,
		"status":               string(sub.Status),
		"current_period_start": sub.CurrentPeriodStart,
		"current_period_end":   sub.CurrentPeriodEnd,
		"next_payment_date":    sub.NextPaymentDate,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"failed_payment_count": sub.FailedPaymentCount,
		"quantity":             sub.Quantity,
	}
	if sub.CanceledAt != nil {
		data["canceled_at"] = *sub.CanceledAt
	}
	return data
}

// InvoiceEventData flattens an invoice into an event payload
func InvoiceEventData(inv *Invoice) map[string]interface{} {
	data := map[string]interface{}{
		"invoice_id":      inv.ID,
		"subscription_id": inv.SubscriptionID,
		"customer_id":     inv.CustomerID,
		"amount":          inv.Amount,
		"currency":        inv.Currency,
		"status":          string(inv.Status),
		"kind":            string(inv.Kind),
		"period_start":    inv.PeriodStart,
		"period_end":      inv.PeriodEnd,
		"attempt_count":   inv.AttemptCount,
	}
	if inv.NextPaymentAttempt != nil {
		data["next_payment_attempt"] = *inv.NextPaymentAttempt
	}
	if inv.LastPaymentError != nil {
		data["last_payment_error"] = *inv.LastPaymentError
	}
	if inv.TransactionRef != nil {
		data["transaction_ref"] = *inv.TransactionRef
	}
	return data
}

// NewEvent builds an event envelope with a fresh id
func NewEvent(eventType EventType, at time.Time, data map[string]interface{}) Event {
	return Event{
		ID:         "evt_" + uuid.New().String(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}
