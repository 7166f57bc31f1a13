package catalog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kevin07696/recurring-billing/internal/adapters/memory"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/testutil/mocks"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPlanRepo wraps the memory repository to count reads
type countingPlanRepo struct {
	*memory.PlanRepository
	gets int
}

func (r *countingPlanRepo) GetByID(ctx context.Context, id string) (*domain.Plan, error) {
	r.gets++
	return r.PlanRepository.GetByID(ctx, id)
}

func newTestService() (*Service, *countingPlanRepo) {
	repo := &countingPlanRepo{PlanRepository: memory.NewStore().Plans()}
	clock := timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewService(repo, DefaultConfig(), clock, mocks.NewQuietLogger()), repo
}

func TestService_Create(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	plan, err := svc.Create(ctx, CreatePlanRequest{
		ID:       "basic",
		Name:     " Basic ",
		Amount:   999,
		Currency: "usd",
		Interval: domain.IntervalMonthly,
	})
	require.NoError(t, err)

	assert.Equal(t, "basic", plan.ID)
	assert.Equal(t, "Basic", plan.Name)
	assert.Equal(t, "USD", plan.Currency)
	assert.Equal(t, 1, plan.IntervalCount, "interval count defaults to 1")
	assert.True(t, plan.Active)
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Create(context.Background(), CreatePlanRequest{
		Name:     "Bad",
		Amount:   100,
		Currency: "USD",
		Interval: "hourly",
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedInterval)

	_, err = svc.Create(context.Background(), CreatePlanRequest{
		Name:     "Negative",
		Amount:   -1,
		Currency: "USD",
		Interval: domain.IntervalMonthly,
	})
	assert.True(t, domain.IsValidationError(err))
}

func TestService_Get_UsesCache(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	require.NoError(t, repo.PlanRepository.Create(ctx, &domain.Plan{
		ID: "pro", Name: "Pro", Amount: 2900, Currency: "USD",
		Interval: domain.IntervalMonthly, IntervalCount: 1, Active: true,
	}))

	for i := 0; i < 3; i++ {
		plan, err := svc.Get(ctx, "pro")
		require.NoError(t, err)
		assert.Equal(t, int64(2900), plan.Amount)
	}
	assert.Equal(t, 1, repo.gets)

	// Callers cannot corrupt the cached copy
	plan, _ := svc.Get(ctx, "pro")
	plan.Amount = 1
	again, _ := svc.Get(ctx, "pro")
	assert.Equal(t, int64(2900), again.Amount)
}

func TestService_GetMissing(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestService_Deactivate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreatePlanRequest{ID: "old", Name: "Old", Amount: 500, Currency: "USD", Interval: domain.IntervalYearly})
	require.NoError(t, err)

	_, err = svc.GetActive(ctx, "old")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, "old"))

	plan, err := svc.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, plan.Active, "cache was invalidated")

	_, err = svc.GetActive(ctx, "old")
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodePlanInactive))

	active, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, svc.Deactivate(ctx, "missing"), domain.ErrPlanNotFound)
}

const seedYAML = `
plans:
  - id: basic-monthly
    name: Basic
    price: "9.99"
    currency: USD
    interval: monthly
    trial_period_days: 14
  - id: pro-yearly
    name: Pro
    price: "299"
    setup_fee: "49.50"
    currency: USD
    interval: yearly
    metadata:
      tier: pro
  - id: retired
    name: Retired
    price: "5"
    currency: USD
    interval: weekly
    active: false
`

func TestService_LoadSeed(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	result, err := svc.LoadSeed(ctx, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 1, result.Deactivated)

	basic, err := svc.Get(ctx, "basic-monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(999), basic.Amount)
	assert.Equal(t, 14, basic.TrialPeriodDays)

	pro, err := svc.Get(ctx, "pro-yearly")
	require.NoError(t, err)
	assert.Equal(t, int64(29900), pro.Amount)
	assert.Equal(t, int64(4950), pro.SetupFee)
	assert.Equal(t, "pro", pro.Metadata["tier"])

	// Re-running is a no-op
	result, err = svc.LoadSeed(ctx, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 3, result.Existing)
	assert.Equal(t, 0, result.Deactivated)
}

func TestService_LoadSeed_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "plans:\n  - name: X\n    price: \"1\"\n    currency: USD\n    interval: monthly\n"},
		{"sub-cent price", "plans:\n  - id: x\n    name: X\n    price: \"1.001\"\n    currency: USD\n    interval: monthly\n"},
		{"bad interval", "plans:\n  - id: x\n    name: X\n    price: \"1\"\n    currency: USD\n    interval: hourly\n"},
		{"not yaml", "plans: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			_, err := svc.LoadSeed(context.Background(), strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}
