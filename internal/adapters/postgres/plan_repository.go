package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

const planColumns = `id, name, amount, setup_fee, currency, billing_interval, interval_count,
	trial_period_days, active, metadata, created_at`

// PlanRepository implements ports.PlanRepository
type PlanRepository struct {
	db ports.DBTX
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db ports.DBPort) *PlanRepository {
	return &PlanRepository{db: db.GetDB()}
}

// Create inserts a plan; a duplicate id is a validation error
func (r *PlanRepository) Create(ctx context.Context, plan *domain.Plan) error {
	metadata, err := marshalMetadata(plan.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		plan.ID, plan.Name, plan.Amount, plan.SetupFee, plan.Currency, string(plan.Interval),
		plan.IntervalCount, plan.TrialPeriodDays, plan.Active, metadata, plan.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "plans_pkey") {
			return domain.NewValidationError("id", "plan id already exists").WithDetail("plan_id", plan.ID)
		}
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// GetByID retrieves a plan by its ID
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*domain.Plan, error) {
	row := r.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, notFound(err, domain.ErrPlanNotFound)
	}
	return plan, nil
}

// List returns plans ordered by creation time
func (r *PlanRepository) List(ctx context.Context, activeOnly bool) ([]*domain.Plan, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE ($1::boolean = FALSE OR active)
		ORDER BY created_at, id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// SetActive toggles the only mutable plan field
func (r *PlanRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE plans SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set plan active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPlanNotFound
	}
	return nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var (
		plan     domain.Plan
		interval string
		metadata []byte
	)
	err := row.Scan(&plan.ID, &plan.Name, &plan.Amount, &plan.SetupFee, &plan.Currency, &interval,
		&plan.IntervalCount, &plan.TrialPeriodDays, &plan.Active, &metadata, &plan.CreatedAt)
	if err != nil {
		return nil, err
	}

	plan.Interval = domain.BillingInterval(interval)
	plan.CreatedAt = plan.CreatedAt.UTC()
	if plan.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &plan, nil
}

var _ ports.PlanRepository = (*PlanRepository)(nil)
