package domain

import "time"

// Customer is the billed party. Billing data lives with the gateway; only references are stored here.
type Customer struct {
	CreatedAt              time.Time `json:"created_at"`
	DefaultPaymentMethodID *string   `json:"default_payment_method_id,omitempty"`
	ID                     string    `json:"id"`
	Email                  string    `json:"email"`
	Name                   string    `json:"name"`
	GatewayCustomerID      string    `json:"gateway_customer_id"`
}

// PaymentMethodReference identifies a stored, gateway-tokenized payment method
type PaymentMethodReference struct {
	// ID is the local payment method id the subscription points at
	ID string
	// CustomerID owns the payment method
	CustomerID string
	// GatewayToken is what the processor charges, e.g. a Stripe pm_ id
	GatewayToken string
	// GatewayCustomerID is the processor's customer the token is attached to
	GatewayCustomerID string
}
