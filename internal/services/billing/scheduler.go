package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/invoice"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// ErrTickInProgress is returned by RunOnce when another sweep holds the run flag or tick lock
var ErrTickInProgress = errors.New("billing tick already in progress")

// PlanSource resolves the plan a subscription bills on
type PlanSource interface {
	Get(ctx context.Context, id string) (*domain.Plan, error)
}

// InvoiceEngine is the invoice surface the scheduler drives
type InvoiceEngine interface {
	CreateForPeriod(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, period domain.BillingPeriod) (*domain.Invoice, error)
	GetForPeriod(ctx context.Context, subscriptionID string, kind domain.InvoiceKind, periodStart time.Time) (*domain.Invoice, error)
	ListOpen(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error)
	RecordSuccess(ctx context.Context, inv *domain.Invoice, transactionRef string) (*domain.Invoice, error)
	RecordFailure(ctx context.Context, inv *domain.Invoice, reason string, transient bool) (*domain.Invoice, error)
}

// Lifecycle applies charge outcomes to subscriptions
type Lifecycle interface {
	AdvancePeriod(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	Settle(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	ApplyDunning(ctx context.Context, sub *domain.Subscription, inv *domain.Invoice, transient bool) (*domain.Subscription, error)
}

// Config controls sweep pacing and limits
type Config struct {
	TickInterval   time.Duration
	ItemPause      time.Duration // minimum spacing between subscriptions in a sweep
	GatewayTimeout time.Duration
	ClaimLease     time.Duration
	LockTTL        time.Duration
	BatchSize      int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:   5 * time.Minute,
		ItemPause:      200 * time.Millisecond,
		GatewayTimeout: 30 * time.Second,
		ClaimLease:     10 * time.Minute,
		LockTTL:        5 * time.Minute,
		BatchSize:      100,
	}
}

// BillingError describes a subscription whose processing failed during a sweep
type BillingError struct {
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	Error          string `json:"error"`
}

// TickResult summarizes one sweep
type TickResult struct {
	Errors    []BillingError `json:"errors,omitempty"`
	Due       int            `json:"due"`
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Canceled  int            `json:"canceled"`
	Skipped   int            `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeCanceled
)

// Scheduler sweeps due subscriptions and charges their invoices, one at a time
type Scheduler struct {
	subs      ports.SubscriptionRepository
	plans     PlanSource
	invoices  InvoiceEngine
	lifecycle Lifecycle
	gateway   ports.PaymentGateway
	resolver  ports.PaymentMethodResolver
	notifier  ports.WebhookNotifier
	locker    ports.TickLocker
	cfg       Config
	clock     timeutil.Clock
	logger    ports.Logger

	limiter *rate.Limiter
	running atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates a billing scheduler. locker may be nil for single-process deployments.
func NewScheduler(
	subs ports.SubscriptionRepository,
	plans PlanSource,
	invoices InvoiceEngine,
	lifecycle Lifecycle,
	gateway ports.PaymentGateway,
	resolver ports.PaymentMethodResolver,
	notifier ports.WebhookNotifier,
	locker ports.TickLocker,
	cfg Config,
	clock timeutil.Clock,
	logger ports.Logger,
) *Scheduler {
	return &Scheduler{
		subs:      subs,
		plans:     plans,
		invoices:  invoices,
		lifecycle: lifecycle,
		gateway:   gateway,
		resolver:  resolver,
		notifier:  notifier,
		locker:    locker,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(cfg.ItemPause), 1),
	}
}

// Start runs RunOnce every TickInterval until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("billing scheduler already started")
	}
	if s.cfg.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval %s", s.cfg.TickInterval)
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{logger: s.logger})))
	_, err := c.AddFunc("@every "+s.cfg.TickInterval.String(), func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.logger.Error("billing tick failed", ports.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule billing tick: %w", err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("billing scheduler started",
		ports.Duration("tick_interval", s.cfg.TickInterval),
		ports.Duration("item_pause", s.cfg.ItemPause),
		ports.Int("batch_size", s.cfg.BatchSize))
	return nil
}

// Stop halts the ticker and waits for a running sweep to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("billing scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for billing tick: %w", ctx.Err())
	}
}

// RunOnce performs one sweep. It returns ErrTickInProgress without doing any
// work when another sweep is running in this process or holds the tick lock.
func (s *Scheduler) RunOnce(ctx context.Context) (*TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		observability.RecordTickSkipped("overlap")
		s.logger.Warn("billing tick skipped, previous tick still running")
		return nil, ErrTickInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire tick lock: %w", err)
		}
		if !acquired {
			observability.RecordTickSkipped("locked")
			s.logger.Info("billing tick skipped, lock held by another instance")
			return nil, ErrTickInProgress
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release tick lock", ports.Err(err))
			}
		}()
	}

	started := time.Now()
	now := s.clock.Now()

	due, err := s.subs.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}

	result := &TickResult{Due: len(due)}
	s.logger.Info("billing tick started",
		ports.Time("as_of", now),
		ports.Int("due", len(due)))

	for _, sub := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warn("billing tick interrupted", ports.Err(err))
			break
		}

		result.Processed++
		out, err := s.process(ctx, sub)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BillingError{
				SubscriptionID: sub.ID,
				CustomerID:     sub.CustomerID,
				Error:          err.Error(),
			})
			s.logger.Error("billing failed for subscription",
				ports.String("subscription_id", sub.ID),
				ports.String("customer_id", sub.CustomerID),
				ports.Err(err))
			continue
		}

		switch out {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		case outcomeCanceled:
			result.Canceled++
		default:
			result.Skipped++
		}
	}

	elapsed := time.Since(started)
	observability.RecordSweep(elapsed.Seconds(), result.Succeeded, result.Failed, result.Canceled, result.Skipped)

	s.logger.Info("billing tick completed",
		ports.Int("due", result.Due),
		ports.Int("processed", result.Processed),
		ports.Int("succeeded", result.Succeeded),
		ports.Int("failed", result.Failed),
		ports.Int("canceled", result.Canceled),
		ports.Int("skipped", result.Skipped),
		ports.Duration("duration", elapsed))

	return result, nil
}

// process claims one due subscription and settles its billing point
func (s *Scheduler) process(ctx context.Context, due *domain.Subscription) (outcome, error) {
	now := s.clock.Now()
	observed := due.NextPaymentDate

	claimed, err := s.subs.ClaimDue(ctx, due.ID, observed, now.Add(s.cfg.ClaimLease))
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claim subscription: %w", err)
	}
	if !claimed {
		s.logger.Debug("subscription claimed elsewhere", ports.String("subscription_id", due.ID))
		return outcomeSkipped, nil
	}

	sub, err := s.subs.GetByID(ctx, due.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	if sub.CancelAtPeriodEnd && sub.AtPeriodBoundary(now) {
		if _, err := s.lifecycle.AdvancePeriod(ctx, sub); err != nil {
			return outcomeSkipped, fmt.Errorf("cancel at period end: %w", err)
		}
		return outcomeCanceled, nil
	}

	plan, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("get plan: %w", err)
	}

	open, err := s.invoices.ListOpen(ctx, sub.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("list open invoices: %w", err)
	}

	if len(open) == 0 {
		inv, settled, err := s.invoiceForBillingPoint(ctx, sub, plan, observed)
		if err != nil {
			return outcomeSkipped, err
		}
		if settled {
			return outcomeSkipped, nil
		}
		open = []*domain.Invoice{inv}
	}

	for _, inv := range open {
		ok, err := s.charge(ctx, sub, inv)
		if err != nil {
			return outcomeSkipped, err
		}
		if !ok {
			return outcomeFailed, nil
		}
	}
	return outcomeSucceeded, nil
}

// invoiceForBillingPoint opens the invoice for the period the subscription is
// due for. A billing point observed before the period end bills the current
// period, otherwise the renewal period. When the invoice already exists and is
// closed, the subscription is brought in line with it and settled is true.
func (s *Scheduler) invoiceForBillingPoint(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, observed time.Time) (*domain.Invoice, bool, error) {
	period := domain.BillingPeriod{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd}
	if !observed.Before(sub.CurrentPeriodEnd) {
		next, err := domain.PeriodAfter(sub.CurrentPeriodEnd, plan)
		if err != nil {
			return nil, false, err
		}
		period = next
	}

	inv, err := s.invoices.CreateForPeriod(ctx, sub, plan, period)
	if err == nil {
		return inv, false, nil
	}
	if !errors.Is(err, domain.ErrInvoiceAlreadyExists) {
		return nil, false, fmt.Errorf("create invoice: %w", err)
	}

	inv, err = s.invoices.GetForPeriod(ctx, sub.ID, domain.InvoiceKindSubscription, period.Start)
	if err != nil {
		return nil, false, fmt.Errorf("get existing invoice: %w", err)
	}

	switch inv.Status {
	case domain.InvoiceStatusPaid:
		s.logger.Warn("invoice already paid, recovering subscription state",
			ports.String("subscription_id", sub.ID),
			ports.String("invoice_id", inv.ID))
		if err := s.applyPayment(ctx, sub, inv); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	case domain.InvoiceStatusOpen:
		return inv, false, nil
	default:
		s.logger.Warn("invoice for billing point is closed, rescheduling",
			ports.String("subscription_id", sub.ID),
			ports.String("invoice_id", inv.ID),
			ports.String("status", string(inv.Status)))
		sub.NextPaymentDate = period.End
		sub.UpdatedAt = s.clock.Now()
		if err := s.subs.Update(ctx, sub); err != nil {
			return nil, false, fmt.Errorf("reschedule subscription: %w", err)
		}
		return nil, true, nil
	}
}

// freeChargeRef is the transaction reference recorded on zero-amount invoices
const freeChargeRef = "no_charge"

// charge attempts one invoice and applies the outcome. It returns false when
// the charge failed and dunning was applied. Zero-amount invoices are paid
// without contacting the gateway.
func (s *Scheduler) charge(ctx context.Context, sub *domain.Subscription, inv *domain.Invoice) (bool, error) {
	if inv.Amount == 0 {
		return true, s.recordPaid(ctx, sub, inv, freeChargeRef, 0)
	}

	pm, err := s.resolver.Resolve(ctx, sub)
	if err != nil {
		if !errors.Is(err, domain.ErrPMNotFound) {
			return false, fmt.Errorf("resolve payment method: %w", err)
		}
		return false, s.recordFailure(ctx, sub, inv, err, 0)
	}

	req := &ports.ChargeRequest{
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		PaymentMethod:  *pm,
		IdempotencyKey: invoice.IdempotencyKey(inv),
		Description:    fmt.Sprintf("Subscription %s (%s)", sub.ID, inv.Kind),
		Metadata: map[string]string{
			"subscription_id": sub.ID,
			"invoice_id":      inv.ID,
			"customer_id":     sub.CustomerID,
			"period_start":    inv.PeriodStart.Format(time.RFC3339),
		},
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	started := time.Now()
	result, err := s.gateway.Charge(chargeCtx, req)
	elapsed := time.Since(started)
	cancel()

	if err != nil {
		if !domain.IsGatewayError(err) {
			if errors.Is(err, context.DeadlineExceeded) {
				err = domain.NewGatewayTimeoutError(err)
			} else {
				err = domain.NewGatewayError("payment gateway failure", true, err)
			}
		}
		return false, s.recordFailure(ctx, sub, inv, err, elapsed)
	}

	if err := s.recordPaid(ctx, sub, inv, result.TransactionID, elapsed); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) recordPaid(ctx context.Context, sub *domain.Subscription, inv *domain.Invoice, transactionRef string, elapsed time.Duration) error {
	paid, err := s.invoices.RecordSuccess(ctx, inv, transactionRef)
	if err != nil {
		return err
	}
	observability.RecordBillingAttempt(string(inv.Kind), "succeeded", inv.Amount, inv.Currency, elapsed.Seconds())

	s.logger.Info("invoice paid",
		ports.String("subscription_id", sub.ID),
		ports.String("invoice_id", inv.ID),
		ports.String("transaction_id", transactionRef),
		ports.Int64("amount", inv.Amount))

	if err := s.applyPayment(ctx, sub, paid); err != nil {
		return err
	}

	s.emit(ctx, domain.EventInvoicePaymentSucceeded, domain.InvoiceEventData(paid))
	s.emit(ctx, domain.EventSubscriptionPaymentSucceeded, subscriptionPaymentData(sub, paid))
	return nil
}

// applyPayment moves the subscription for a paid invoice. Paying the renewal
// period advances into it; paying the current period settles it.
func (s *Scheduler) applyPayment(ctx context.Context, sub *domain.Subscription, paid *domain.Invoice) error {
	if paid.Kind == domain.InvoiceKindSetupFee {
		remaining, err := s.invoices.ListOpen(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("list open invoices: %w", err)
		}
		if len(remaining) > 0 {
			return nil
		}
		_, err = s.lifecycle.Settle(ctx, sub)
		return err
	}

	if paid.PeriodStart.Equal(sub.CurrentPeriodEnd) {
		if _, err := s.lifecycle.AdvancePeriod(ctx, sub); err != nil {
			return fmt.Errorf("advance period: %w", err)
		}
		return nil
	}

	if _, err := s.lifecycle.Settle(ctx, sub); err != nil {
		return fmt.Errorf("settle period: %w", err)
	}
	return nil
}

func (s *Scheduler) recordFailure(ctx context.Context, sub *domain.Subscription, inv *domain.Invoice, chargeErr error, elapsed time.Duration) error {
	transient := domain.IsTransient(chargeErr)

	failed, err := s.invoices.RecordFailure(ctx, inv, chargeErr.Error(), transient)
	if err != nil {
		return err
	}

	label := "declined"
	if transient {
		label = "transient"
	}
	observability.RecordBillingAttempt(string(inv.Kind), label, inv.Amount, inv.Currency, elapsed.Seconds())

	if _, err := s.lifecycle.ApplyDunning(ctx, sub, failed, transient); err != nil {
		return fmt.Errorf("apply dunning: %w", err)
	}

	s.logger.Warn("charge failed",
		ports.String("subscription_id", sub.ID),
		ports.String("invoice_id", inv.ID),
		ports.String("error_code", string(domain.GetErrorCode(chargeErr))),
		ports.Int("attempt", failed.AttemptCount),
		ports.Bool("transient", transient))

	s.emit(ctx, domain.EventInvoicePaymentFailed, domain.InvoiceEventData(failed))
	s.emit(ctx, domain.EventSubscriptionPaymentFailed, subscriptionPaymentData(sub, failed))
	return nil
}

func (s *Scheduler) emit(ctx context.Context, eventType domain.EventType, data map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(ctx, domain.NewEvent(eventType, s.clock.Now(), data))
}

func subscriptionPaymentData(sub *domain.Subscription, inv *domain.Invoice) map[string]interface{} {
	data := domain.SubscriptionEventData(sub)
	data["invoice_id"] = inv.ID
	data["amount"] = inv.Amount
	data["currency"] = inv.Currency
	return data
}

// cronLogger routes robfig/cron diagnostics to ports.Logger
type cronLogger struct {
	logger ports.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, ports.String("details", fmt.Sprint(keysAndValues...)))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, ports.Err(err), ports.String("details", fmt.Sprint(keysAndValues...)))
}
