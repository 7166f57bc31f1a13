package domain

import "time"

// InvoiceStatus represents the invoice state
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// IsFinal returns true once the invoice may no longer be mutated
func (s InvoiceStatus) IsFinal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusVoid
}

// InvoiceKind separates recurring period invoices from one-time setup fees
type InvoiceKind string

const (
	InvoiceKindSubscription InvoiceKind = "subscription"
	InvoiceKindSetupFee     InvoiceKind = "setup_fee"
)

// Invoice is a single billing point for a subscription period
type Invoice struct {
	PeriodStart        time.Time         `json:"period_start"`
	PeriodEnd          time.Time         `json:"period_end"`
	DueDate            time.Time         `json:"due_date"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	NextPaymentAttempt *time.Time        `json:"next_payment_attempt,omitempty"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	LastPaymentError   *string           `json:"last_payment_error,omitempty"`
	TransactionRef     *string           `json:"transaction_ref,omitempty"`
	Metadata           map[string]string `json:"metadata"`
	ID                 string            `json:"id"`
	SubscriptionID     string            `json:"subscription_id"`
	CustomerID         string            `json:"customer_id"`
	Currency           string            `json:"currency"`
	Status             InvoiceStatus     `json:"status"`
	Kind               InvoiceKind       `json:"kind"`
	Amount             int64             `json:"amount"`
	AttemptCount       int               `json:"attempt_count"`
	// DeclineCount counts only the attempts the processor answered with a decline
	DeclineCount int `json:"decline_count"`
}

// IsFinal returns true if the invoice is paid or void
func (i *Invoice) IsFinal() bool {
	return i.Status.IsFinal()
}

// IsCollectable returns true if a charge may still be attempted
func (i *Invoice) IsCollectable() bool {
	return i.Status == InvoiceStatusOpen
}

// Clone returns a deep copy
func (i *Invoice) Clone() *Invoice {
	cp := *i
	cp.NextPaymentAttempt = cloneTime(i.NextPaymentAttempt)
	cp.PaidAt = cloneTime(i.PaidAt)
	if i.LastPaymentError != nil {
		v := *i.LastPaymentError
		cp.LastPaymentError = &v
	}
	if i.TransactionRef != nil {
		v := *i.TransactionRef
		cp.TransactionRef = &v
	}
	cp.Metadata = cloneMetadata(i.Metadata)
	return &cp
}
