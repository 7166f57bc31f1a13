package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvoiceStatus_IsFinal(t *testing.T) {
	tests := []struct {
		status   InvoiceStatus
		expected bool
	}{
		{InvoiceStatusDraft, false},
		{InvoiceStatusOpen, false},
		{InvoiceStatusUncollectible, false},
		{InvoiceStatusPaid, true},
		{InvoiceStatusVoid, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			inv := &Invoice{Status: tt.status}
			assert.Equal(t, tt.expected, inv.IsFinal())
			assert.Equal(t, tt.status == InvoiceStatusOpen, inv.IsCollectable())
		})
	}
}

func TestInvoiceEventData(t *testing.T) {
	reason := "card_declined"
	inv := &Invoice{
		ID:               "inv_1",
		SubscriptionID:   "sub_1",
		Amount:           999,
		Currency:         "USD",
		Status:           InvoiceStatusOpen,
		Kind:             InvoiceKindSubscription,
		AttemptCount:     1,
		LastPaymentError: &reason,
	}

	data := InvoiceEventData(inv)
	assert.Equal(t, "inv_1", data["invoice_id"])
	assert.Equal(t, int64(999), data["amount"])
	assert.Equal(t, "card_declined", data["last_payment_error"])
	assert.NotContains(t, data, "transaction_ref")
}
