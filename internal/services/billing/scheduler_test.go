package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kevin07696/recurring-billing/internal/adapters/memory"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/catalog"
	"github.com/kevin07696/recurring-billing/internal/services/invoice"
	"github.com/kevin07696/recurring-billing/internal/services/subscription"
	"github.com/kevin07696/recurring-billing/internal/testutil/fixtures"
	"github.com/kevin07696/recurring-billing/internal/testutil/mocks"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func testConfig() Config {
	return Config{
		TickInterval:   time.Second,
		GatewayTimeout: 5 * time.Second,
		ClaimLease:     10 * time.Minute,
		LockTTL:        time.Minute,
		BatchSize:      100,
	}
}

type testEnv struct {
	store     *memory.Store
	clock     *timeutil.FakeClock
	gateway   *mocks.MockPaymentGateway
	notifier  *mocks.MockNotifier
	invoices  *invoice.Service
	lifecycle *subscription.Service
	plans     *catalog.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	clock := timeutil.NewFakeClock(jan1)
	logger := mocks.NewQuietLogger()

	notifier := new(mocks.MockNotifier)
	notifier.On("Emit", mock.Anything, mock.Anything).Return()

	require.NoError(t, store.Plans().Create(ctx, fixtures.NewPlan("plan_basic")))
	trial := fixtures.NewPlan("plan_trial")
	trial.TrialPeriodDays = 14
	require.NoError(t, store.Plans().Create(ctx, trial))
	setup := fixtures.NewPlan("plan_setup")
	setup.SetupFee = 4900
	require.NoError(t, store.Plans().Create(ctx, setup))

	require.NoError(t, store.Customers().Create(ctx, fixtures.NewCustomer("cus_1")))
	require.NoError(t, store.PaymentMethods().Create(ctx, "cus_1", fixtures.NewPaymentMethod("pm_cus_1", "cus_1")))

	policy := domain.DefaultDunningPolicy()
	plans := catalog.NewService(store.Plans(), catalog.DefaultConfig(), clock, logger)
	invoices := invoice.NewService(store.Invoices(), policy, clock, logger)
	lifecycle := subscription.NewService(store.Subscriptions(), store.Customers(), plans, invoices, notifier, policy, clock, logger)

	return &testEnv{
		store:     store,
		clock:     clock,
		gateway:   new(mocks.MockPaymentGateway),
		notifier:  notifier,
		invoices:  invoices,
		lifecycle: lifecycle,
		plans:     plans,
	}
}

func (e *testEnv) scheduler(locker ports.TickLocker, cfg Config) *Scheduler {
	resolver := NewCustomerPaymentMethodResolver(e.store.Customers(), e.store.PaymentMethods())
	return NewScheduler(e.store.Subscriptions(), e.plans, e.invoices, e.lifecycle, e.gateway, resolver,
		e.notifier, locker, cfg, e.clock, mocks.NewQuietLogger())
}

// renewing stores an active monthly subscription whose January period is paid
func (e *testEnv) renewing(t *testing.T) *domain.Subscription {
	t.Helper()
	sub := fixtures.NewSubscription(jan1).Build()
	require.NoError(t, e.store.Subscriptions().Create(context.Background(), sub))
	return sub
}

func (e *testEnv) reload(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	sub, err := e.store.Subscriptions().GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func approve(id string) *ports.ChargeResult {
	return &ports.ChargeResult{TransactionID: id, Status: "succeeded"}
}

func chargeRequests(gw *mocks.MockPaymentGateway) []*ports.ChargeRequest {
	var reqs []*ports.ChargeRequest
	for _, call := range gw.Calls {
		if call.Method == "Charge" {
			reqs = append(reqs, call.Arguments.Get(1).(*ports.ChargeRequest))
		}
	}
	return reqs
}

func TestScheduler_OpeningInvoiceSettlesCurrentPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.lifecycle.Create(ctx, subscription.CreateRequest{CustomerID: "cus_1", PlanID: "plan_basic", Quantity: 1})
	require.NoError(t, err)

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_1"), nil)

	result, err := env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Succeeded)

	reqs := chargeRequests(env.gateway)
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(999), reqs[0].Amount)
	assert.Equal(t, "USD", reqs[0].Currency)
	assert.Equal(t, "tok_pm_cus_1", reqs[0].PaymentMethod.GatewayToken)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.True(t, jan1.Equal(updated.CurrentPeriodStart))
	assert.True(t, feb1.Equal(updated.CurrentPeriodEnd))
	assert.True(t, feb1.Equal(updated.NextPaymentDate))
	require.NotNil(t, updated.LastPaymentDate)

	invs, err := env.invoices.ListForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, domain.InvoiceStatusPaid, invs[0].Status)
	assert.Equal(t, "pi_1", *invs[0].TransactionRef)

	assert.Equal(t, []domain.EventType{
		domain.EventSubscriptionCreated,
		domain.EventInvoicePaymentSucceeded,
		domain.EventSubscriptionPaymentSucceeded,
	}, env.notifier.EventTypes())
}

func TestScheduler_RenewalAdvancesExactlyOneInterval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)
	sched := env.scheduler(nil, testConfig())

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_renew"), nil)

	env.clock.Set(feb1)
	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	updated := env.reload(t, sub.ID)
	assert.True(t, feb1.Equal(updated.CurrentPeriodStart))
	assert.True(t, mar1.Equal(updated.CurrentPeriodEnd))
	assert.True(t, mar1.Equal(updated.NextPaymentDate))
	assert.Equal(t, 0, updated.FailedPaymentCount)

	inv, err := env.invoices.GetForPeriod(ctx, sub.ID, domain.InvoiceKindSubscription, feb1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.True(t, mar1.Equal(inv.PeriodEnd))

	// Nothing is due until the next boundary
	result, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	env.gateway.AssertNumberOfCalls(t, "Charge", 1)
}

func TestScheduler_DunningSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)
	sched := env.scheduler(nil, testConfig())

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(nil, domain.NewDeclinedError("card_declined"))

	steps := []struct {
		at       time.Time
		status   domain.SubscriptionStatus
		failures int
		next     time.Time
	}{
		{feb1, domain.SubscriptionStatusPastDue, 1, feb1.AddDate(0, 0, 1)},
		{feb1.AddDate(0, 0, 1), domain.SubscriptionStatusPastDue, 2, feb1.AddDate(0, 0, 4)},
		{feb1.AddDate(0, 0, 4), domain.SubscriptionStatusUnpaid, 3, feb1},
	}

	for i, step := range steps {
		env.clock.Set(step.at)
		result, err := sched.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed, "step %d", i)

		updated := env.reload(t, sub.ID)
		assert.Equal(t, step.status, updated.Status, "step %d", i)
		assert.Equal(t, step.failures, updated.FailedPaymentCount, "step %d", i)
		assert.True(t, step.next.Equal(updated.NextPaymentDate), "step %d: next %s", i, updated.NextPaymentDate)
	}

	// Unpaid subscriptions are no longer billed
	env.clock.Set(mar1)
	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due)

	reqs := chargeRequests(env.gateway)
	require.Len(t, reqs, 3)
	assert.NotEqual(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
	assert.NotEqual(t, reqs[1].IdempotencyKey, reqs[2].IdempotencyKey)
	assert.Contains(t, reqs[2].IdempotencyKey, "_attempt_3")

	inv, err := env.invoices.GetForPeriod(ctx, sub.ID, domain.InvoiceKindSubscription, feb1)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.AttemptCount)
	assert.Equal(t, domain.InvoiceStatusOpen, inv.Status)
	assert.Nil(t, inv.NextPaymentAttempt)
}

func TestScheduler_RetrySucceedsAfterDecline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)
	sched := env.scheduler(nil, testConfig())

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(nil, domain.NewDeclinedError("insufficient_funds")).Once()
	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_retry"), nil).Once()

	env.clock.Set(feb1)
	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, env.reload(t, sub.ID).Status)

	env.clock.Set(feb1.AddDate(0, 0, 1))
	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.Equal(t, 0, updated.FailedPaymentCount)
	assert.True(t, feb1.Equal(updated.CurrentPeriodStart))
	assert.True(t, mar1.Equal(updated.NextPaymentDate))

	invs, err := env.invoices.ListForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, invs, 1, "the retry reuses the period's invoice")
}

func TestScheduler_PlanChangeDuringDunningKeepsRenewalPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	quarterly := fixtures.NewPlan("plan_quarterly")
	quarterly.IntervalCount = 3
	require.NoError(t, env.store.Plans().Create(ctx, quarterly))

	sub := env.renewing(t)
	sched := env.scheduler(nil, testConfig())

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(nil, domain.NewDeclinedError("insufficient_funds")).Once()
	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_retry"), nil).Once()

	env.clock.Set(feb1)
	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	changed, err := env.lifecycle.Update(ctx, sub.ID, subscription.UpdateRequest{PlanID: fixtures.Ptr("plan_quarterly")})
	require.NoError(t, err)
	assert.Equal(t, "plan_quarterly", changed.PlanID)
	assert.True(t, feb1.Equal(changed.CurrentPeriodEnd), "the open renewal still bills from feb1")

	env.clock.Set(feb1.AddDate(0, 0, 1))
	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.True(t, feb1.Equal(updated.CurrentPeriodStart))
	may1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, may1.Equal(updated.CurrentPeriodEnd), "new interval applies from the renewed period")

	invs, err := env.invoices.ListForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, domain.InvoiceStatusPaid, invs[0].Status)
	assert.True(t, feb1.Equal(invs[0].PeriodStart))
}

func TestScheduler_CancelAtPeriodEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := fixtures.NewSubscription(jan1).CancelAtPeriodEnd().Build()
	require.NoError(t, env.store.Subscriptions().Create(ctx, sub))

	env.clock.Set(feb1)
	result, err := env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Canceled)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusCanceled, updated.Status)
	require.NotNil(t, updated.CanceledAt)
	env.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
	assert.Contains(t, env.notifier.EventTypes(), domain.EventSubscriptionCanceled)
}

func TestScheduler_TrialEnd(t *testing.T) {
	tests := []struct {
		name       string
		chargeErr  error
		wantStatus domain.SubscriptionStatus
	}{
		{"charge succeeds", nil, domain.SubscriptionStatusActive},
		{"charge declined", domain.NewDeclinedError("card_declined"), domain.SubscriptionStatusPastDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			sub, err := env.lifecycle.Create(ctx, subscription.CreateRequest{CustomerID: "cus_1", PlanID: "plan_trial", Quantity: 2})
			require.NoError(t, err)
			trialEnd := *sub.TrialEnd

			if tt.chargeErr != nil {
				env.gateway.On("Charge", mock.Anything, mock.Anything).Return(nil, tt.chargeErr)
			} else {
				env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_trial"), nil)
			}
			sched := env.scheduler(nil, testConfig())

			// Nothing is charged during the trial
			env.clock.Set(trialEnd.Add(-time.Hour))
			result, err := sched.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, result.Due)

			env.clock.Set(trialEnd)
			_, err = sched.RunOnce(ctx)
			require.NoError(t, err)

			reqs := chargeRequests(env.gateway)
			require.Len(t, reqs, 1)
			assert.Equal(t, int64(1998), reqs[0].Amount)

			updated := env.reload(t, sub.ID)
			assert.Equal(t, tt.wantStatus, updated.Status)
			if tt.chargeErr == nil {
				assert.True(t, trialEnd.Equal(updated.CurrentPeriodStart))
				assert.True(t, trialEnd.AddDate(0, 1, 0).Equal(updated.CurrentPeriodEnd))
			}
		})
	}
}

func TestScheduler_SetupFeeChargedFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.lifecycle.Create(ctx, subscription.CreateRequest{CustomerID: "cus_1", PlanID: "plan_setup", Quantity: 1})
	require.NoError(t, err)

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_x"), nil)

	result, err := env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	reqs := chargeRequests(env.gateway)
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(4900), reqs[0].Amount)
	assert.Equal(t, int64(999), reqs[1].Amount)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.True(t, updated.CurrentPeriodEnd.Equal(updated.NextPaymentDate))
}

func TestScheduler_SetupFeeDeclineStopsBilling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.lifecycle.Create(ctx, subscription.CreateRequest{CustomerID: "cus_1", PlanID: "plan_setup", Quantity: 1})
	require.NoError(t, err)

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(nil, domain.NewDeclinedError("card_declined"))

	result, err := env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	env.gateway.AssertNumberOfCalls(t, "Charge", 1)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusPastDue, updated.Status)
	assert.Equal(t, 1, updated.FailedPaymentCount)
}

func TestScheduler_TransientTimeoutKeepsRetrying(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)

	cfg := testConfig()
	cfg.GatewayTimeout = 20 * time.Millisecond
	sched := env.scheduler(nil, cfg)

	env.gateway.On("Charge", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	at := feb1
	for i := 1; i <= 4; i++ {
		env.clock.Set(at)
		result, err := sched.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)

		updated := env.reload(t, sub.ID)
		assert.Equal(t, domain.SubscriptionStatusPastDue, updated.Status, "timeouts never exhaust dunning")
		assert.Equal(t, i, updated.FailedPaymentCount)
		assert.True(t, updated.NextPaymentDate.After(at))
		at = updated.NextPaymentDate
	}

	inv, err := env.invoices.GetForPeriod(ctx, sub.ID, domain.InvoiceKindSubscription, feb1)
	require.NoError(t, err)
	require.NotNil(t, inv.LastPaymentError)
	assert.Contains(t, *inv.LastPaymentError, string(domain.ErrorCodeGatewayTimeout))
}

func TestScheduler_TimeoutRetryReusesIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)
	sched := env.scheduler(nil, testConfig())

	env.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, domain.NewGatewayTimeoutError(context.DeadlineExceeded)).Once()
	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_after_timeout"), nil).Once()

	env.clock.Set(feb1)
	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	retryAt := env.reload(t, sub.ID).NextPaymentDate
	require.True(t, retryAt.After(feb1))
	env.clock.Set(retryAt)
	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	reqs := chargeRequests(env.gateway)
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey,
		"a timed out charge may have gone through, so the retry must replay it")

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.True(t, mar1.Equal(updated.CurrentPeriodEnd))
}

func TestScheduler_DeclineAfterTimeoutRotatesKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)
	sched := env.scheduler(nil, testConfig())

	env.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, domain.NewGatewayTimeoutError(context.DeadlineExceeded)).Once()
	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(nil, domain.NewDeclinedError("card_declined")).Once()
	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_third"), nil).Once()

	env.clock.Set(feb1)
	for i := 0; i < 3; i++ {
		_, err := sched.RunOnce(ctx)
		require.NoError(t, err)
		env.clock.Set(env.reload(t, sub.ID).NextPaymentDate)
	}

	reqs := chargeRequests(env.gateway)
	require.Len(t, reqs, 3)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
	assert.NotEqual(t, reqs[1].IdempotencyKey, reqs[2].IdempotencyKey)
	assert.Equal(t, domain.SubscriptionStatusActive, env.reload(t, sub.ID).Status)
}

func TestScheduler_FreePlanSkipsGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	free := fixtures.NewPlan("plan_free")
	free.Amount = 0
	require.NoError(t, env.store.Plans().Create(ctx, free))

	sub, err := env.lifecycle.Create(ctx, subscription.CreateRequest{CustomerID: "cus_1", PlanID: "plan_free", Quantity: 1})
	require.NoError(t, err)
	sched := env.scheduler(nil, testConfig())

	for _, at := range []time.Time{jan1, feb1, mar1} {
		env.clock.Set(at)
		result, err := sched.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Succeeded, "at %s", at)
	}

	env.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.Zero(t, updated.FailedPaymentCount)
	assert.True(t, mar1.Equal(updated.CurrentPeriodStart))

	invs, err := env.invoices.ListForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invs, 3)
	for _, inv := range invs {
		assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
		assert.Equal(t, freeChargeRef, *inv.TransactionRef)
	}
}

func TestScheduler_MissingPaymentMethodIsDecline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.Customers().Create(ctx, &domain.Customer{ID: "cus_nopm", Email: "nopm@example.com"}))
	sub := fixtures.NewSubscription(jan1).WithCustomerID("cus_nopm").Build()
	require.NoError(t, env.store.Subscriptions().Create(ctx, sub))

	env.clock.Set(feb1)
	result, err := env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, result.Errors)

	updated := env.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusPastDue, updated.Status)
	env.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestScheduler_IsolatesPerSubscriptionErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	broken := fixtures.NewSubscription(jan1).WithID("sub_broken").WithPlanID("plan_gone").Build()
	require.NoError(t, env.store.Subscriptions().Create(ctx, broken))
	healthy := env.renewing(t)

	env.gateway.On("Charge", mock.Anything, mock.Anything).Return(approve("pi_ok"), nil)

	env.clock.Set(feb1)
	result, err := env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "sub_broken", result.Errors[0].SubscriptionID)

	assert.True(t, mar1.Equal(env.reload(t, healthy.ID).CurrentPeriodEnd))
}

func TestScheduler_ConcurrentSchedulersChargeOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.renewing(t)
	env.clock.Set(feb1)

	env.gateway.On("Charge", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(10 * time.Millisecond) }).
		Return(approve("pi_once"), nil)

	schedulers := []*Scheduler{env.scheduler(nil, testConfig()), env.scheduler(nil, testConfig())}

	var wg sync.WaitGroup
	for _, sched := range schedulers {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, err := s.RunOnce(ctx)
			assert.NoError(t, err)
		}(sched)
	}
	wg.Wait()

	env.gateway.AssertNumberOfCalls(t, "Charge", 1)
}

func TestScheduler_OverlappingTickIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.renewing(t)
	env.clock.Set(feb1)
	sched := env.scheduler(nil, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	env.gateway.On("Charge", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(approve("pi_slow"), nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := sched.RunOnce(ctx)
		done <- err
	}()

	<-started
	result, err := sched.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrTickInProgress)
	assert.Nil(t, result)

	close(release)
	require.NoError(t, <-done)
	env.gateway.AssertNumberOfCalls(t, "Charge", 1)
}

func TestScheduler_TickLocker(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		env := newTestEnv(t)
		env.renewing(t)
		env.clock.Set(feb1)

		locker := new(mocks.MockTickLocker)
		locker.On("Acquire", mock.Anything, time.Minute).Return(false, nil)

		_, err := env.scheduler(locker, testConfig()).RunOnce(context.Background())
		assert.ErrorIs(t, err, ErrTickInProgress)
		env.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
		locker.AssertNotCalled(t, "Release", mock.Anything)
	})

	t.Run("acquired and released", func(t *testing.T) {
		env := newTestEnv(t)

		locker := new(mocks.MockTickLocker)
		locker.On("Acquire", mock.Anything, time.Minute).Return(true, nil)
		locker.On("Release", mock.Anything).Return(nil)

		result, err := env.scheduler(locker, testConfig()).RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, result.Due)
		locker.AssertExpectations(t)
	})
}

func TestScheduler_RecoversPaidInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.renewing(t)

	// A previous run paid the renewal invoice but crashed before advancing
	plan := fixtures.NewPlan("plan_basic")
	inv, err := env.invoices.CreateForPeriod(ctx, sub, plan, domain.BillingPeriod{Start: feb1, End: mar1})
	require.NoError(t, err)
	_, err = env.invoices.RecordSuccess(ctx, inv, "pi_earlier")
	require.NoError(t, err)

	env.clock.Set(feb1)
	_, err = env.scheduler(nil, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	env.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
	updated := env.reload(t, sub.ID)
	assert.True(t, feb1.Equal(updated.CurrentPeriodStart))
	assert.True(t, mar1.Equal(updated.NextPaymentDate))
}

func TestScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	sched := env.scheduler(nil, testConfig())
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	assert.Error(t, sched.Start(ctx), "already started")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(stopCtx))
	require.NoError(t, sched.Stop(stopCtx), "stop is idempotent")

	cfg := testConfig()
	cfg.TickInterval = 0
	assert.Error(t, env.scheduler(nil, cfg).Start(ctx))
}
