package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// Gateway tokens that force a failure in the sandbox
const (
	TokenDecline      = "tok_decline"
	TokenInsufficient = "tok_insufficient_funds"
	TokenUnavailable  = "tok_unavailable"
	TokenTimeout      = "tok_timeout"
)

// Gateway is an in-process payment gateway for local development.
// Every charge succeeds unless the payment method token starts with one of
// the Token* prefixes. Replayed idempotency keys return the first result.
type Gateway struct {
	logger  *zap.Logger
	results map[string]outcome
	mu      sync.Mutex
}

type outcome struct {
	result *ports.ChargeResult
	err    error
}

// NewGateway creates a sandbox gateway
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		logger:  logger,
		results: make(map[string]outcome),
	}
}

// Charge simulates a charge against req.PaymentMethod.GatewayToken
func (g *Gateway) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewGatewayTimeoutError(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.results[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		g.logger.Debug("Replaying sandbox charge", zap.String("idempotency_key", req.IdempotencyKey))
		return prev.result, prev.err
	}

	g.logger.Warn("Using sandbox payment gateway - NOT for production use",
		zap.Int64("amount", req.Amount),
		zap.String("currency", req.Currency),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	token := req.PaymentMethod.GatewayToken
	var out outcome
	switch {
	case strings.HasPrefix(token, TokenDecline):
		out.err = domain.NewDeclinedError("card_declined")
	case strings.HasPrefix(token, TokenInsufficient):
		out.err = domain.NewDeclinedError("insufficient_funds")
	case strings.HasPrefix(token, TokenUnavailable):
		out.err = domain.NewGatewayError("sandbox gateway unavailable", true, nil)
	case strings.HasPrefix(token, TokenTimeout):
		out.err = domain.NewGatewayTimeoutError(context.DeadlineExceeded)
	default:
		out.result = &ports.ChargeResult{
			TransactionID: "txn_" + uuid.NewString(),
			Status:        "succeeded",
		}
	}

	// transient failures are not remembered so a retry can succeed
	if out.err == nil || !domain.IsTransient(out.err) {
		g.results[req.IdempotencyKey] = out
	}
	return out.result, out.err
}

// Charges returns how many distinct idempotency keys have been settled
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.results)
}

var _ ports.PaymentGateway = (*Gateway)(nil)
