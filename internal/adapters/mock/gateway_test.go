package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

func chargeRequest(token, key string) *ports.ChargeRequest {
	return &ports.ChargeRequest{
		PaymentMethod:  domain.PaymentMethodReference{ID: "pm_1", GatewayToken: token},
		Amount:         1999,
		Currency:       "USD",
		IdempotencyKey: key,
	}
}

func TestGateway_Charge(t *testing.T) {
	tests := []struct {
		name          string
		token         string
		wantCode      domain.ErrorCode
		wantTransient bool
	}{
		{name: "approved", token: "tok_visa"},
		{name: "declined", token: TokenDecline, wantCode: domain.ErrorCodeGatewayDeclined},
		{name: "insufficient funds", token: TokenInsufficient + "_1", wantCode: domain.ErrorCodeGatewayDeclined},
		{name: "unavailable", token: TokenUnavailable, wantCode: domain.ErrorCodeGatewayError, wantTransient: true},
		{name: "timeout", token: TokenTimeout, wantCode: domain.ErrorCodeGatewayTimeout, wantTransient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGateway(zap.NewNop())

			result, err := g.Charge(context.Background(), chargeRequest(tt.token, "inv_1_attempt_1"))
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "succeeded", result.Status)
				assert.NotEmpty(t, result.TransactionID)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.GetErrorCode(err))
			assert.Equal(t, tt.wantTransient, domain.IsTransient(err))
		})
	}
}

func TestGateway_ReplaysIdempotencyKey(t *testing.T) {
	g := NewGateway(zap.NewNop())
	ctx := context.Background()

	first, err := g.Charge(ctx, chargeRequest("tok_visa", "inv_1_attempt_1"))
	require.NoError(t, err)
	second, err := g.Charge(ctx, chargeRequest("tok_visa", "inv_1_attempt_1"))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	third, err := g.Charge(ctx, chargeRequest("tok_visa", "inv_1_attempt_2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionID, third.TransactionID)
	assert.Equal(t, 2, g.Charges())
}

func TestGateway_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGateway(zap.NewNop()).Charge(ctx, chargeRequest("tok_visa", "k"))
	assert.True(t, domain.IsTransient(err))
}
