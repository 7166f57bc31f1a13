package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// PlanSource resolves plans for new and existing subscriptions
type PlanSource interface {
	Get(ctx context.Context, id string) (*domain.Plan, error)
	GetActive(ctx context.Context, id string) (*domain.Plan, error)
}

// InvoiceCreator opens and closes the invoices tied to lifecycle changes
type InvoiceCreator interface {
	CreateForPeriod(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, period domain.BillingPeriod) (*domain.Invoice, error)
	CreateSetupFee(ctx context.Context, sub *domain.Subscription, plan *domain.Plan) (*domain.Invoice, error)
	VoidOpen(ctx context.Context, subscriptionID string) (int, error)
	ListOpen(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error)
}

// CreateRequest carries the inputs of a new subscription
type CreateRequest struct {
	PaymentMethodID   *string
	TrialOverrideDays *int // takes precedence over plan.TrialPeriodDays
	Metadata          map[string]string
	CustomerID        string
	PlanID            string
	Quantity          int
}

// UpdateRequest is a partial update; nil fields are left unchanged
type UpdateRequest struct {
	PlanID          *string
	Quantity        *int
	PaymentMethodID *string
	Metadata        map[string]string
}

// Service owns every subscription state transition
type Service struct {
	subs      ports.SubscriptionRepository
	customers ports.CustomerRepository
	plans     PlanSource
	invoices  InvoiceCreator
	notifier  ports.WebhookNotifier
	policy    domain.DunningPolicy
	clock     timeutil.Clock
	logger    ports.Logger
}

// NewService creates a new subscription lifecycle manager
func NewService(
	subs ports.SubscriptionRepository,
	customers ports.CustomerRepository,
	plans PlanSource,
	invoices InvoiceCreator,
	notifier ports.WebhookNotifier,
	policy domain.DunningPolicy,
	clock timeutil.Clock,
	logger ports.Logger,
) *Service {
	return &Service{
		subs:      subs,
		customers: customers,
		plans:     plans,
		invoices:  invoices,
		notifier:  notifier,
		policy:    policy,
		clock:     clock,
		logger:    logger,
	}
}

// Create starts a subscription. With trial days it enters trialing and no
// invoice is produced until the trial ends. Otherwise it is active, its first
// period starts now, and the opening invoice (plus any setup fee) is due immediately.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Subscription, error) {
	if req.CustomerID == "" {
		return nil, domain.NewValidationError("customer_id", "customer id is required")
	}
	if req.PlanID == "" {
		return nil, domain.NewValidationError("plan_id", "plan id is required")
	}
	if req.Quantity < 1 {
		return nil, domain.NewValidationError("quantity", "quantity must be >= 1")
	}
	if req.TrialOverrideDays != nil && *req.TrialOverrideDays < 0 {
		return nil, domain.NewValidationError("trial_override_days", "trial days must be >= 0")
	}

	plan, err := s.plans.GetActive(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if _, err := s.customers.GetByID(ctx, req.CustomerID); err != nil {
		return nil, err
	}
	if err := s.ensureNoActiveSubscription(ctx, req.CustomerID, req.PlanID, ""); err != nil {
		return nil, err
	}

	trialDays := plan.TrialPeriodDays
	if req.TrialOverrideDays != nil {
		trialDays = *req.TrialOverrideDays
	}

	now := s.clock.Now()
	sub := &domain.Subscription{
		ID:              "sub_" + uuid.New().String(),
		CustomerID:      req.CustomerID,
		PlanID:          plan.ID,
		Quantity:        req.Quantity,
		PaymentMethodID: req.PaymentMethodID,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if trialDays > 0 {
		trialEnd := now.AddDate(0, 0, trialDays)
		sub.Status = domain.SubscriptionStatusTrialing
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = trialEnd
		sub.NextPaymentDate = trialEnd
	} else {
		period, err := domain.PeriodAfter(now, plan)
		if err != nil {
			return nil, err
		}
		sub.Status = domain.SubscriptionStatusActive
		sub.CurrentPeriodStart = period.Start
		sub.CurrentPeriodEnd = period.End
		sub.NextPaymentDate = now
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrDuplicateSubscription) {
			return nil, err
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	if sub.Status == domain.SubscriptionStatusActive {
		period := domain.BillingPeriod{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd}
		if _, err := s.invoices.CreateForPeriod(ctx, sub, plan, period); err != nil {
			return nil, fmt.Errorf("create opening invoice: %w", err)
		}
		if plan.SetupFee > 0 {
			if _, err := s.invoices.CreateSetupFee(ctx, sub, plan); err != nil {
				return nil, fmt.Errorf("create setup fee invoice: %w", err)
			}
		}
	}

	s.logger.Info("subscription created",
		ports.String("subscription_id", sub.ID),
		ports.String("customer_id", sub.CustomerID),
		ports.String("plan_id", sub.PlanID),
		ports.String("status", string(sub.Status)),
		ports.Time("current_period_end", sub.CurrentPeriodEnd))

	s.emit(ctx, domain.EventSubscriptionCreated, sub)
	return sub, nil
}

// Get returns a subscription by id
func (s *Service) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.subs.GetByID(ctx, id)
}

// ListForCustomer returns a customer's subscriptions, newest first
func (s *Service) ListForCustomer(ctx context.Context, customerID string) ([]*domain.Subscription, error) {
	return s.subs.ListByCustomer(ctx, customerID)
}

// Update applies a partial change. A plan change recomputes the period end
// from the current period start with the new plan's interval; the partially
// used old period is not prorated. While a renewal invoice is still being
// collected the period end stays put and the new interval applies from the
// next advance.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*domain.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsCanceled() {
		return nil, domain.ErrCannotUpdateCanceled
	}

	if req.Quantity != nil {
		if *req.Quantity < 1 {
			return nil, domain.NewValidationError("quantity", "quantity must be >= 1")
		}
		sub.Quantity = *req.Quantity
	}

	if req.PaymentMethodID != nil {
		sub.PaymentMethodID = req.PaymentMethodID
	}

	if req.Metadata != nil {
		sub.Metadata = req.Metadata
	}

	if req.PlanID != nil && *req.PlanID != sub.PlanID {
		plan, err := s.plans.GetActive(ctx, *req.PlanID)
		if err != nil {
			return nil, err
		}
		if err := s.ensureNoActiveSubscription(ctx, sub.CustomerID, plan.ID, sub.ID); err != nil {
			return nil, err
		}

		pending, err := s.renewalPending(ctx, sub)
		if err != nil {
			return nil, err
		}

		sub.PlanID = plan.ID
		if sub.Status != domain.SubscriptionStatusTrialing && !pending {
			end, err := domain.NextBillingDate(sub.CurrentPeriodStart, plan.Interval, plan.IntervalCount)
			if err != nil {
				return nil, err
			}
			// Only a regularly scheduled renewal moves; pending retries keep their date
			if sub.NextPaymentDate.Equal(sub.CurrentPeriodEnd) {
				sub.NextPaymentDate = end
			}
			sub.CurrentPeriodEnd = end
		}
	}

	sub.UpdatedAt = s.clock.Now()
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	s.logger.Info("subscription updated",
		ports.String("subscription_id", sub.ID),
		ports.String("plan_id", sub.PlanID),
		ports.Int("quantity", sub.Quantity))

	s.emit(ctx, domain.EventSubscriptionUpdated, sub)
	return sub, nil
}

// renewalPending reports whether an open invoice already bills the period
// starting at sub.CurrentPeriodEnd
func (s *Service) renewalPending(ctx context.Context, sub *domain.Subscription) (bool, error) {
	open, err := s.invoices.ListOpen(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("list open invoices: %w", err)
	}
	for _, inv := range open {
		if inv.Kind == domain.InvoiceKindSubscription && inv.PeriodStart.Equal(sub.CurrentPeriodEnd) {
			return true, nil
		}
	}
	return false, nil
}

// Cancel ends a subscription now, or flags it to end at the current period
// boundary where the scheduler enacts it.
func (s *Service) Cancel(ctx context.Context, id string, atPeriodEnd bool) (*domain.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsCanceled() {
		return nil, domain.ErrAlreadyCanceled
	}

	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
		sub.UpdatedAt = s.clock.Now()
		if err := s.subs.Update(ctx, sub); err != nil {
			return nil, fmt.Errorf("cancel subscription at period end: %w", err)
		}

		s.logger.Info("subscription set to cancel at period end",
			ports.String("subscription_id", sub.ID),
			ports.Time("current_period_end", sub.CurrentPeriodEnd))

		s.emit(ctx, domain.EventSubscriptionUpdated, sub)
		return sub, nil
	}

	if err := s.terminate(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// AdvancePeriod moves a subscription into its next paid period. A subscription
// flagged cancelAtPeriodEnd is canceled instead and not advanced.
func (s *Service) AdvancePeriod(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if sub.IsCanceled() {
		return nil, domain.ErrAlreadyCanceled
	}
	if sub.CancelAtPeriodEnd {
		if err := s.terminate(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	plan, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	period, err := domain.PeriodAfter(sub.CurrentPeriodEnd, plan)
	if err != nil {
		return nil, err
	}

	from := sub.Status
	if err := sub.TransitionTo(domain.SubscriptionStatusActive); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub.CurrentPeriodStart = period.Start
	sub.CurrentPeriodEnd = period.End
	sub.NextPaymentDate = period.End
	sub.LastPaymentDate = &now
	sub.FailedPaymentCount = 0
	sub.UpdatedAt = now

	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("advance subscription period: %w", err)
	}
	observability.RecordSubscriptionTransition(string(from), string(sub.Status))

	s.logger.Info("subscription period advanced",
		ports.String("subscription_id", sub.ID),
		ports.Time("current_period_start", sub.CurrentPeriodStart),
		ports.Time("current_period_end", sub.CurrentPeriodEnd))

	return sub, nil
}

// Settle records payment for the period the subscription is already in,
// such as the opening invoice or a dunning retry of it.
func (s *Service) Settle(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	from := sub.Status
	if err := sub.TransitionTo(domain.SubscriptionStatusActive); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub.NextPaymentDate = sub.CurrentPeriodEnd
	sub.LastPaymentDate = &now
	sub.FailedPaymentCount = 0
	sub.UpdatedAt = now

	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("settle subscription: %w", err)
	}
	observability.RecordSubscriptionTransition(string(from), string(sub.Status))
	return sub, nil
}

// ApplyDunning moves a subscription after a failed charge on inv. Transient
// gateway failures keep it past_due with a retry scheduled; declines follow
// the policy verdict for the invoice's decline count.
func (s *Service) ApplyDunning(ctx context.Context, sub *domain.Subscription, inv *domain.Invoice, transient bool) (*domain.Subscription, error) {
	verdict := domain.SubscriptionStatusPastDue
	if !transient {
		verdict = s.policy.Verdict(inv.DeclineCount)
	}

	from := sub.Status
	if verdict == domain.SubscriptionStatusUnpaid && sub.Status != domain.SubscriptionStatusPastDue {
		if err := sub.TransitionTo(domain.SubscriptionStatusPastDue); err != nil {
			return nil, err
		}
	}
	if err := sub.TransitionTo(verdict); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub.FailedPaymentCount = inv.AttemptCount
	if inv.NextPaymentAttempt != nil {
		sub.NextPaymentDate = *inv.NextPaymentAttempt
	} else {
		sub.NextPaymentDate = sub.CurrentPeriodEnd
	}
	sub.UpdatedAt = now

	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("apply dunning: %w", err)
	}
	observability.RecordSubscriptionTransition(string(from), string(sub.Status))

	s.logger.Warn("subscription payment failed",
		ports.String("subscription_id", sub.ID),
		ports.String("invoice_id", inv.ID),
		ports.String("status", string(sub.Status)),
		ports.Int("failed_payment_count", sub.FailedPaymentCount),
		ports.Bool("transient", transient),
		ports.Time("next_payment_date", sub.NextPaymentDate))

	return sub, nil
}

// Pause stops billing an active subscription
func (s *Service) Pause(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsCanceled() {
		return nil, domain.ErrCannotUpdateCanceled
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return nil, domain.WrapError(domain.ErrorCodeInvalidTransition, "only active subscriptions can be paused", nil).
			WithDetail("status", string(sub.Status))
	}
	sub.Status = domain.SubscriptionStatusPaused

	sub.UpdatedAt = s.clock.Now()
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("pause subscription: %w", err)
	}
	observability.RecordSubscriptionTransition(string(domain.SubscriptionStatusActive), string(sub.Status))

	s.logger.Info("subscription paused", ports.String("subscription_id", sub.ID))
	s.emit(ctx, domain.EventSubscriptionUpdated, sub)
	return sub, nil
}

// Resume reactivates a paused subscription. When the paused period already
// ended, a fresh period starts now and is billed on the next tick. A paused
// subscription does not hold its plan slot, so resuming fails with
// ErrDuplicateSubscription if another live subscription took it meanwhile.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsCanceled() {
		return nil, domain.ErrCannotUpdateCanceled
	}
	if sub.Status != domain.SubscriptionStatusPaused {
		return nil, domain.WrapError(domain.ErrorCodeInvalidTransition, "only paused subscriptions can be resumed", nil).
			WithDetail("status", string(sub.Status))
	}
	if err := s.ensureNoActiveSubscription(ctx, sub.CustomerID, sub.PlanID, sub.ID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if sub.AtPeriodBoundary(now) {
		plan, err := s.plans.Get(ctx, sub.PlanID)
		if err != nil {
			return nil, err
		}
		period, err := domain.PeriodAfter(now, plan)
		if err != nil {
			return nil, err
		}
		sub.CurrentPeriodStart = period.Start
		sub.CurrentPeriodEnd = period.End
		sub.NextPaymentDate = now
	}

	if err := sub.TransitionTo(domain.SubscriptionStatusActive); err != nil {
		return nil, err
	}
	sub.UpdatedAt = now

	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}
	observability.RecordSubscriptionTransition(string(domain.SubscriptionStatusPaused), string(sub.Status))

	s.logger.Info("subscription resumed",
		ports.String("subscription_id", sub.ID),
		ports.Time("next_payment_date", sub.NextPaymentDate))
	s.emit(ctx, domain.EventSubscriptionUpdated, sub)
	return sub, nil
}

func (s *Service) terminate(ctx context.Context, sub *domain.Subscription) error {
	from := sub.Status
	if err := sub.TransitionTo(domain.SubscriptionStatusCanceled); err != nil {
		return err
	}

	now := s.clock.Now()
	sub.CanceledAt = &now
	sub.UpdatedAt = now

	if err := s.subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	observability.RecordSubscriptionTransition(string(from), string(sub.Status))

	voided, err := s.invoices.VoidOpen(ctx, sub.ID)
	if err != nil {
		s.logger.Error("failed to void open invoices of canceled subscription",
			ports.String("subscription_id", sub.ID),
			ports.Err(err))
	}

	s.logger.Info("subscription canceled",
		ports.String("subscription_id", sub.ID),
		ports.Bool("at_period_end", sub.CancelAtPeriodEnd),
		ports.Int("voided_invoices", voided))

	s.emit(ctx, domain.EventSubscriptionCanceled, sub)
	return nil
}

func (s *Service) ensureNoActiveSubscription(ctx context.Context, customerID, planID, exceptID string) error {
	existing, err := s.subs.ListByCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("list customer subscriptions: %w", err)
	}
	for _, sub := range existing {
		if sub.ID != exceptID && sub.PlanID == planID && sub.Status.HoldsPlanSlot() {
			return domain.ErrDuplicateSubscription
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, eventType domain.EventType, sub *domain.Subscription) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(ctx, domain.NewEvent(eventType, s.clock.Now(), domain.SubscriptionEventData(sub)))
}
