package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// Service creates invoices at billing points and records charge outcomes on them
type Service struct {
	repo   ports.InvoiceRepository
	policy domain.DunningPolicy
	clock  timeutil.Clock
	logger ports.Logger
}

// NewService creates a new invoice engine
func NewService(repo ports.InvoiceRepository, policy domain.DunningPolicy, clock timeutil.Clock, logger ports.Logger) *Service {
	return &Service{
		repo:   repo,
		policy: policy,
		clock:  clock,
		logger: logger,
	}
}

// CreateForPeriod opens the invoice for one billing period of sub.
// Amount is plan.Amount × quantity. A second call for the same
// (subscription, period start) fails with domain.ErrInvoiceAlreadyExists.
func (s *Service) CreateForPeriod(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, period domain.BillingPeriod) (*domain.Invoice, error) {
	return s.create(ctx, sub, plan, domain.InvoiceKindSubscription, plan.Amount*int64(sub.Quantity), period)
}

// CreateSetupFee opens the one-time setup fee invoice for sub
func (s *Service) CreateSetupFee(ctx context.Context, sub *domain.Subscription, plan *domain.Plan) (*domain.Invoice, error) {
	period := domain.BillingPeriod{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodStart}
	return s.create(ctx, sub, plan, domain.InvoiceKindSetupFee, plan.SetupFee, period)
}

func (s *Service) create(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, kind domain.InvoiceKind, amount int64, period domain.BillingPeriod) (*domain.Invoice, error) {
	now := s.clock.Now()
	inv := &domain.Invoice{
		ID:             "inv_" + uuid.New().String(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Amount:         amount,
		Currency:       plan.Currency,
		Status:         domain.InvoiceStatusOpen,
		Kind:           kind,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		DueDate:        now,
		Metadata:       map[string]string{"plan_id": plan.ID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.Info("invoice created",
		ports.String("invoice_id", inv.ID),
		ports.String("subscription_id", sub.ID),
		ports.String("kind", string(kind)),
		ports.Int64("amount", amount),
		ports.Time("period_start", period.Start))

	return inv, nil
}

// RecordSuccess marks inv paid. The caller advances or settles the subscription.
func (s *Service) RecordSuccess(ctx context.Context, inv *domain.Invoice, transactionRef string) (*domain.Invoice, error) {
	if inv.IsFinal() {
		return nil, domain.WrapError(domain.ErrorCodeInvoiceFinalized, "invoice is paid or void", nil).
			WithDetail("invoice_id", inv.ID).
			WithDetail("status", string(inv.Status))
	}

	now := s.clock.Now()
	updated := inv.Clone()
	updated.Status = domain.InvoiceStatusPaid
	updated.PaidAt = &now
	updated.NextPaymentAttempt = nil
	updated.TransactionRef = &transactionRef
	updated.UpdatedAt = now

	if err := s.repo.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("record invoice success: %w", err)
	}
	return updated, nil
}

// RecordFailure counts a failed attempt and schedules the next one.
//
// Only declines count toward the dunning policy. Once it is exhausted no retry
// is scheduled; the invoice stays open and the caller drives the subscription
// to unpaid. Transient failures always schedule a retry.
func (s *Service) RecordFailure(ctx context.Context, inv *domain.Invoice, reason string, transient bool) (*domain.Invoice, error) {
	if inv.IsFinal() {
		return nil, domain.WrapError(domain.ErrorCodeInvoiceFinalized, "invoice is paid or void", nil).
			WithDetail("invoice_id", inv.ID).
			WithDetail("status", string(inv.Status))
	}

	now := s.clock.Now()
	updated := inv.Clone()
	updated.AttemptCount++
	if !transient {
		updated.DeclineCount++
	}
	updated.LastPaymentError = &reason
	updated.UpdatedAt = now

	if transient || !s.policy.Exhausted(updated.DeclineCount) {
		next := s.policy.NextRetryDate(now, updated.AttemptCount)
		updated.NextPaymentAttempt = &next
	} else {
		updated.NextPaymentAttempt = nil
	}

	if err := s.repo.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("record invoice failure: %w", err)
	}
	return updated, nil
}

// Void closes an open invoice without collecting it
func (s *Service) Void(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.IsFinal() {
		return nil, domain.WrapError(domain.ErrorCodeInvoiceFinalized, "invoice is paid or void", nil).
			WithDetail("invoice_id", inv.ID)
	}

	inv.Status = domain.InvoiceStatusVoid
	inv.NextPaymentAttempt = nil
	inv.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("void invoice: %w", err)
	}

	s.logger.Info("invoice voided",
		ports.String("invoice_id", inv.ID),
		ports.String("subscription_id", inv.SubscriptionID))
	return inv, nil
}

// VoidOpen voids every open invoice of a subscription and returns how many it closed
func (s *Service) VoidOpen(ctx context.Context, subscriptionID string) (int, error) {
	open, err := s.repo.ListOpenBySubscription(ctx, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("list open invoices: %w", err)
	}
	for _, inv := range open {
		if _, err := s.Void(ctx, inv.ID); err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

// Get returns an invoice by id
func (s *Service) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.repo.GetByID(ctx, id)
}

// GetForPeriod returns the invoice of a kind for (subscription, period start)
func (s *Service) GetForPeriod(ctx context.Context, subscriptionID string, kind domain.InvoiceKind, periodStart time.Time) (*domain.Invoice, error) {
	return s.repo.GetByPeriod(ctx, subscriptionID, kind, periodStart)
}

// ListForSubscription returns all invoices of a subscription
func (s *Service) ListForSubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error) {
	return s.repo.ListBySubscription(ctx, subscriptionID)
}

// ListOpen returns the collectable invoices of a subscription, setup fees first
func (s *Service) ListOpen(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error) {
	return s.repo.ListOpenBySubscription(ctx, subscriptionID)
}

// IdempotencyKey derives the gateway key for the next charge of inv. It only
// moves after a decline: a crash or timeout is retried under the same key so
// the processor can return the original outcome instead of charging again.
func IdempotencyKey(inv *domain.Invoice) string {
	return fmt.Sprintf("%s_attempt_%d", inv.ID, inv.DeclineCount+1)
}
