package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

const subscriptionColumns = `id, customer_id, plan_id, status, quantity,
	current_period_start, current_period_end, next_payment_date,
	trial_start, trial_end, last_payment_date, canceled_at,
	cancel_at_period_end, failed_payment_count, payment_method_id, metadata,
	created_at, updated_at`

const liveSubscriptionIndex = "uq_subscriptions_live_plan"

// SubscriptionRepository implements ports.SubscriptionRepository
type SubscriptionRepository struct {
	db ports.DBPort
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db ports.DBPort) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a subscription. The customer row is locked so concurrent
// creates for the same customer serialize; the partial unique index on live
// (customer, plan) pairs backs the check.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}

	return r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var customerID string
		err := tx.QueryRow(ctx, `SELECT id FROM customers WHERE id = $1 FOR UPDATE`, sub.CustomerID).Scan(&customerID)
		if err != nil {
			return notFound(err, domain.ErrCustomerNotFound)
		}

		if sub.Status.HoldsPlanSlot() {
			var exists bool
			err = tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM subscriptions
					WHERE customer_id = $1 AND plan_id = $2 AND status IN ('active', 'trialing')
				)`, sub.CustomerID, sub.PlanID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check live subscription: %w", err)
			}
			if exists {
				return domain.ErrDuplicateSubscription
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			sub.ID, sub.CustomerID, sub.PlanID, string(sub.Status), sub.Quantity,
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextPaymentDate,
			nullTime(sub.TrialStart), nullTime(sub.TrialEnd), nullTime(sub.LastPaymentDate), nullTime(sub.CanceledAt),
			sub.CancelAtPeriodEnd, sub.FailedPaymentCount, nullText(sub.PaymentMethodID), metadata,
			sub.CreatedAt, sub.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, liveSubscriptionIndex) {
				return domain.ErrDuplicateSubscription
			}
			return fmt.Errorf("create subscription: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a subscription by its ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	row := r.db.GetDB().QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, notFound(err, domain.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// Update persists every mutable field
func (r *SubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}

	tag, err := r.db.GetDB().Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $2,
			status = $3,
			quantity = $4,
			current_period_start = $5,
			current_period_end = $6,
			next_payment_date = $7,
			trial_start = $8,
			trial_end = $9,
			last_payment_date = $10,
			canceled_at = $11,
			cancel_at_period_end = $12,
			failed_payment_count = $13,
			payment_method_id = $14,
			metadata = $15,
			updated_at = $16
		WHERE id = $1`,
		sub.ID, sub.PlanID, string(sub.Status), sub.Quantity,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextPaymentDate,
		nullTime(sub.TrialStart), nullTime(sub.TrialEnd), nullTime(sub.LastPaymentDate), nullTime(sub.CanceledAt),
		sub.CancelAtPeriodEnd, sub.FailedPaymentCount, nullText(sub.PaymentMethodID), metadata, sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, liveSubscriptionIndex) {
			return domain.ErrDuplicateSubscription
		}
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// ListByCustomer returns a customer's subscriptions, newest first
func (r *SubscriptionRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Subscription, error) {
	rows, err := r.db.GetDB().Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list customer subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListDue returns billable subscriptions due at now, oldest billing point first
func (r *SubscriptionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	if limit <= 0 {
		limit = 1000
	}

	var subs []*domain.Subscription
	err := r.db.WithReadOnlyTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status IN ('trialing', 'active', 'past_due')
			  AND next_payment_date <= $1
			ORDER BY next_payment_date, id
			LIMIT $2`, now, limit)
		if err != nil {
			return fmt.Errorf("list due subscriptions: %w", err)
		}
		subs, err = collectSubscriptions(rows)
		return err
	})
	return subs, err
}

// ClaimDue moves next_payment_date from observed to leaseUntil in one conditional update
func (r *SubscriptionRepository) ClaimDue(ctx context.Context, id string, observed, leaseUntil time.Time) (bool, error) {
	tag, err := r.db.GetDB().Exec(ctx, `
		UPDATE subscriptions
		SET next_payment_date = $3, updated_at = NOW()
		WHERE id = $1
		  AND next_payment_date = $2
		  AND status IN ('trialing', 'active', 'past_due')`,
		id, observed, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*domain.Subscription, error) {
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub                                           domain.Subscription
		status                                        string
		trialStart, trialEnd, lastPayment, canceledAt pgtype.Timestamptz
		paymentMethodID                               pgtype.Text
		metadata                                      []byte
	)

	err := row.Scan(
		&sub.ID, &sub.CustomerID, &sub.PlanID, &status, &sub.Quantity,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.NextPaymentDate,
		&trialStart, &trialEnd, &lastPayment, &canceledAt,
		&sub.CancelAtPeriodEnd, &sub.FailedPaymentCount, &paymentMethodID, &metadata,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.SubscriptionStatus(status)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.NextPaymentDate = sub.NextPaymentDate.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	sub.TrialStart = timePtr(trialStart)
	sub.TrialEnd = timePtr(trialEnd)
	sub.LastPaymentDate = timePtr(lastPayment)
	sub.CanceledAt = timePtr(canceledAt)
	sub.PaymentMethodID = textPtr(paymentMethodID)
	if sub.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &sub, nil
}

var _ ports.SubscriptionRepository = (*SubscriptionRepository)(nil)
