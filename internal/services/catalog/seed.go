package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/money"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of a plan catalog seed:
//
//	plans:
//	  - id: basic-monthly
//	    name: Basic
//	    price: "9.99"
//	    currency: USD
//	    interval: monthly
//	    trial_period_days: 14
type SeedFile struct {
	Plans []SeedPlan `yaml:"plans"`
}

// SeedPlan is one plan entry with prices in major units
type SeedPlan struct {
	Metadata        map[string]string `yaml:"metadata"`
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Price           string            `yaml:"price"`
	SetupFee        string            `yaml:"setup_fee"`
	Currency        string            `yaml:"currency"`
	Interval        string            `yaml:"interval"`
	IntervalCount   int               `yaml:"interval_count"`
	TrialPeriodDays int               `yaml:"trial_period_days"`
	Active          *bool             `yaml:"active"`
}

// SeedResult counts what a seed run did
type SeedResult struct {
	Created     int
	Existing    int
	Deactivated int
}

// LoadSeedFile reads path and applies it with LoadSeed
func (s *Service) LoadSeedFile(ctx context.Context, path string) (*SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	return s.LoadSeed(ctx, f)
}

// LoadSeed creates every plan in the seed that does not exist yet. Existing
// plans are left untouched since plans are immutable; an entry with
// active: false retires the plan.
func (s *Service) LoadSeed(ctx context.Context, r io.Reader) (*SeedResult, error) {
	var seed SeedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	result := &SeedResult{}
	for i, sp := range seed.Plans {
		if sp.ID == "" {
			return result, fmt.Errorf("seed plan %d: id is required", i)
		}

		req, err := sp.toRequest()
		if err != nil {
			return result, fmt.Errorf("seed plan %s: %w", sp.ID, err)
		}

		existing, err := s.repo.GetByID(ctx, sp.ID)
		switch {
		case err == nil:
			result.Existing++
		case errors.Is(err, domain.ErrPlanNotFound):
			if existing, err = s.Create(ctx, req); err != nil {
				return result, fmt.Errorf("seed plan %s: %w", sp.ID, err)
			}
			result.Created++
		default:
			return result, fmt.Errorf("seed plan %s: %w", sp.ID, err)
		}

		if sp.Active != nil && !*sp.Active && existing.Active {
			if err := s.Deactivate(ctx, sp.ID); err != nil {
				return result, fmt.Errorf("seed plan %s: %w", sp.ID, err)
			}
			result.Deactivated++
		}
	}

	s.logger.Info("plan seed applied",
		ports.Int("created", result.Created),
		ports.Int("existing", result.Existing),
		ports.Int("deactivated", result.Deactivated))

	return result, nil
}

func (sp SeedPlan) toRequest() (CreatePlanRequest, error) {
	amount, err := money.ParseMinorUnits(sp.Price, sp.Currency)
	if err != nil {
		return CreatePlanRequest{}, domain.NewValidationError("price", err.Error())
	}

	var setupFee int64
	if sp.SetupFee != "" {
		if setupFee, err = money.ParseMinorUnits(sp.SetupFee, sp.Currency); err != nil {
			return CreatePlanRequest{}, domain.NewValidationError("setup_fee", err.Error())
		}
	}

	return CreatePlanRequest{
		ID:              sp.ID,
		Name:            sp.Name,
		Amount:          amount,
		SetupFee:        setupFee,
		Currency:        sp.Currency,
		Interval:        domain.BillingInterval(sp.Interval),
		IntervalCount:   sp.IntervalCount,
		TrialPeriodDays: sp.TrialPeriodDays,
		Metadata:        sp.Metadata,
	}, nil
}
