package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// Config holds Stripe adapter settings
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint (stripe-mock, tests)
	BaseURL    string
	HTTPClient *http.Client
}

// Gateway charges stored Stripe payment methods with off-session PaymentIntents
type Gateway struct {
	intents paymentintent.Client
	logger  *zap.Logger
}

// NewGateway creates a Stripe payment gateway. Network retries are disabled:
// retries belong to dunning, and each attempt carries its own idempotency key.
func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	backendCfg := &stripeapi.BackendConfig{
		MaxNetworkRetries: stripeapi.Int64(0),
		HTTPClient:        cfg.HTTPClient,
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripeapi.String(cfg.BaseURL)
	}

	return &Gateway{
		intents: paymentintent.Client{
			B:   stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg),
			Key: cfg.APIKey,
		},
		logger: logger,
	}
}

// Charge creates and confirms a PaymentIntent against the stored payment method
func (g *Gateway) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(req.Amount),
		Currency:      stripeapi.String(strings.ToLower(req.Currency)),
		Customer:      stripeapi.String(req.PaymentMethod.GatewayCustomerID),
		PaymentMethod: stripeapi.String(req.PaymentMethod.GatewayToken),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.intents.New(params)
	if err != nil {
		mapped := mapError(ctx, err)
		g.logger.Warn("Stripe charge failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("amount", req.Amount),
			zap.String("code", string(domain.GetErrorCode(mapped))),
			zap.Error(err),
		)
		return nil, mapped
	}

	// A replayed idempotency key returns the first response, so a processing
	// intent is re-read to learn where it ended up
	if pi.Status == stripeapi.PaymentIntentStatusProcessing {
		getParams := &stripeapi.PaymentIntentParams{}
		getParams.Context = ctx
		current, err := g.intents.Get(pi.ID, getParams)
		if err != nil {
			return nil, mapError(ctx, err)
		}
		pi = current
	}

	return g.outcome(pi, req)
}

// outcome maps a confirmed PaymentIntent onto a charge result. Processing is
// not final: it is reported as transient so the retry replays the same key.
func (g *Gateway) outcome(pi *stripeapi.PaymentIntent, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	switch pi.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		g.logger.Info("Stripe charge accepted",
			zap.String("payment_intent", pi.ID),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return &ports.ChargeResult{TransactionID: pi.ID, Status: string(pi.Status)}, nil
	case stripeapi.PaymentIntentStatusProcessing:
		g.logger.Info("Stripe charge still processing",
			zap.String("payment_intent", pi.ID),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return nil, domain.NewGatewayError("payment intent processing", true, nil).
			WithDetail("payment_intent", pi.ID)
	case stripeapi.PaymentIntentStatusRequiresAction:
		return nil, domain.NewDeclinedError("authentication_required")
	default:
		return nil, domain.NewDeclinedError(fmt.Sprintf("payment intent %s", pi.Status))
	}
}

// mapError translates Stripe failures into the gateway error taxonomy.
// Card errors are declines; rate limits, 5xx and connection failures are transient.
func mapError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewGatewayTimeoutError(err)
	}

	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) {
		return domain.NewGatewayError("stripe request failed", true, err)
	}

	switch {
	case stripeErr.Type == stripeapi.ErrorTypeCard:
		reason := string(stripeErr.DeclineCode)
		if reason == "" {
			reason = string(stripeErr.Code)
		}
		return domain.NewDeclinedError(reason)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripeapi.ErrorTypeAPI:
		return domain.NewGatewayError(stripeErr.Msg, true, err)
	default:
		// invalid request, idempotency conflict, authentication
		return domain.NewGatewayError(stripeErr.Msg, false, err)
	}
}

var _ ports.PaymentGateway = (*Gateway)(nil)
