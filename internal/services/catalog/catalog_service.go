package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// CreatePlanRequest carries the fields of a new plan
type CreatePlanRequest struct {
	Metadata        map[string]string
	ID              string // optional, generated when empty
	Name            string
	Currency        string
	Interval        domain.BillingInterval
	Amount          int64
	SetupFee        int64
	IntervalCount   int
	TrialPeriodDays int
}

// Config tunes the read-through plan cache
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig caches up to 512 plans for 10 minutes
func DefaultConfig() Config {
	return Config{CacheSize: 512, CacheTTL: 10 * time.Minute}
}

// Service is the read-mostly plan registry. Plans are immutable apart from
// Active, so cached copies only need invalidation on deactivate.
type Service struct {
	repo   ports.PlanRepository
	cache  *lru.LRU[string, *domain.Plan]
	logger ports.Logger
	clock  timeutil.Clock
}

// NewService creates a new plan catalog
func NewService(repo ports.PlanRepository, cfg Config, clock timeutil.Clock, logger ports.Logger) *Service {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	return &Service{
		repo:   repo,
		cache:  lru.NewLRU[string, *domain.Plan](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger,
		clock:  clock,
	}
}

// Create validates and stores a new active plan
func (s *Service) Create(ctx context.Context, req CreatePlanRequest) (*domain.Plan, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}

	intervalCount := req.IntervalCount
	if intervalCount == 0 {
		intervalCount = 1
	}

	plan := &domain.Plan{
		ID:              id,
		Name:            strings.TrimSpace(req.Name),
		Amount:          req.Amount,
		Currency:        strings.ToUpper(req.Currency),
		Interval:        req.Interval,
		IntervalCount:   intervalCount,
		TrialPeriodDays: req.TrialPeriodDays,
		SetupFee:        req.SetupFee,
		Active:          true,
		Metadata:        req.Metadata,
		CreatedAt:       s.clock.Now(),
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, plan); err != nil {
		s.logger.Error("create plan failed",
			ports.String("plan_id", plan.ID),
			ports.Err(err))
		return nil, fmt.Errorf("create plan: %w", err)
	}

	s.cache.Add(plan.ID, plan.Clone())

	s.logger.Info("plan created",
		ports.String("plan_id", plan.ID),
		ports.String("interval", string(plan.Interval)),
		ports.Int64("amount", plan.Amount),
		ports.String("currency", plan.Currency))

	return plan, nil
}

// Get returns a plan by id, active or not, from cache when possible
func (s *Service) Get(ctx context.Context, id string) (*domain.Plan, error) {
	if plan, ok := s.cache.Get(id); ok {
		observability.RecordPlanCacheLookup(true)
		return plan.Clone(), nil
	}
	observability.RecordPlanCacheLookup(false)

	plan, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.Add(id, plan.Clone())
	return plan, nil
}

// GetActive returns a plan that may accept new subscriptions
func (s *Service) GetActive(ctx context.Context, id string) (*domain.Plan, error) {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, domain.WrapError(domain.ErrorCodePlanInactive, "plan is not active", nil).
			WithDetail("plan_id", id)
	}
	return plan, nil
}

// List returns plans in creation order
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*domain.Plan, error) {
	plans, err := s.repo.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// Deactivate retires a plan. Existing subscriptions keep billing on it.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		if errors.Is(err, domain.ErrPlanNotFound) {
			return err
		}
		return fmt.Errorf("deactivate plan: %w", err)
	}
	s.cache.Remove(id)

	s.logger.Info("plan deactivated", ports.String("plan_id", id))
	return nil
}
