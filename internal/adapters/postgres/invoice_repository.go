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

const invoiceColumns = `id, subscription_id, customer_id, amount, currency, status, kind,
	period_start, period_end, due_date, attempt_count, next_payment_attempt, paid_at,
	last_payment_error, transaction_ref, metadata, created_at, updated_at, decline_count`

const invoicePeriodConstraint = "uq_invoices_period"

// InvoiceRepository implements ports.InvoiceRepository
type InvoiceRepository struct {
	db ports.DBTX
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db ports.DBPort) *InvoiceRepository {
	return &InvoiceRepository{db: db.GetDB()}
}

// Create inserts an invoice. The (subscription, kind, period_start) constraint
// turns a second invoice for the same billing point into ErrInvoiceAlreadyExists.
func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	metadata, err := marshalMetadata(inv.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		inv.ID, inv.SubscriptionID, inv.CustomerID, inv.Amount, inv.Currency, string(inv.Status), string(inv.Kind),
		inv.PeriodStart, inv.PeriodEnd, inv.DueDate, inv.AttemptCount, nullTime(inv.NextPaymentAttempt), nullTime(inv.PaidAt),
		nullText(inv.LastPaymentError), nullText(inv.TransactionRef), metadata, inv.CreatedAt, inv.UpdatedAt, inv.DeclineCount,
	)
	if err != nil {
		if isUniqueViolation(err, invoicePeriodConstraint) {
			return domain.WrapError(domain.ErrorCodeInvoiceAlreadyExists, "invoice already exists for this billing period", err).
				WithDetail("subscription_id", inv.SubscriptionID).
				WithDetail("period_start", inv.PeriodStart)
		}
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

// GetByID retrieves an invoice by its ID
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, domain.ErrInvoiceNotFound)
	}
	return inv, nil
}

// GetByPeriod retrieves the invoice of a kind for a billing point
func (r *InvoiceRepository) GetByPeriod(ctx context.Context, subscriptionID string, kind domain.InvoiceKind, periodStart time.Time) (*domain.Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE subscription_id = $1 AND kind = $2 AND period_start = $3`,
		subscriptionID, string(kind), periodStart))
	if err != nil {
		return nil, notFound(err, domain.ErrInvoiceNotFound)
	}
	return inv, nil
}

// ListBySubscription returns all invoices, oldest period first
func (r *InvoiceRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE subscription_id = $1
		ORDER BY period_start, (kind = 'setup_fee') DESC, created_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return collectInvoices(rows)
}

// ListOpenBySubscription returns open invoices, setup fees first
func (r *InvoiceRepository) ListOpenBySubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE subscription_id = $1 AND status = 'open'
		ORDER BY (kind = 'setup_fee') DESC, period_start, created_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}
	return collectInvoices(rows)
}

// Update persists every mutable field. Paid and void invoices are immutable.
func (r *InvoiceRepository) Update(ctx context.Context, inv *domain.Invoice) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE invoices SET
			status = $2,
			attempt_count = $3,
			next_payment_attempt = $4,
			paid_at = $5,
			last_payment_error = $6,
			transaction_ref = $7,
			updated_at = $8,
			decline_count = $9
		WHERE id = $1 AND status NOT IN ('paid', 'void')`,
		inv.ID, string(inv.Status), inv.AttemptCount, nullTime(inv.NextPaymentAttempt), nullTime(inv.PaidAt),
		nullText(inv.LastPaymentError), nullText(inv.TransactionRef), inv.UpdatedAt, inv.DeclineCount,
	)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, inv.ID); err != nil {
			return err
		}
		return domain.WrapError(domain.ErrorCodeInvoiceFinalized, "invoice is paid or void", nil).
			WithDetail("invoice_id", inv.ID)
	}
	return nil
}

func collectInvoices(rows pgx.Rows) ([]*domain.Invoice, error) {
	defer rows.Close()

	var invoices []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var (
		inv                    domain.Invoice
		status, kind           string
		nextAttempt, paidAt    pgtype.Timestamptz
		lastError, transaction pgtype.Text
		metadata               []byte
	)

	err := row.Scan(
		&inv.ID, &inv.SubscriptionID, &inv.CustomerID, &inv.Amount, &inv.Currency, &status, &kind,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.DueDate, &inv.AttemptCount, &nextAttempt, &paidAt,
		&lastError, &transaction, &metadata, &inv.CreatedAt, &inv.UpdatedAt, &inv.DeclineCount,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = domain.InvoiceStatus(status)
	inv.Kind = domain.InvoiceKind(kind)
	inv.PeriodStart = inv.PeriodStart.UTC()
	inv.PeriodEnd = inv.PeriodEnd.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	inv.NextPaymentAttempt = timePtr(nextAttempt)
	inv.PaidAt = timePtr(paidAt)
	inv.LastPaymentError = textPtr(lastError)
	inv.TransactionRef = textPtr(transaction)
	if inv.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &inv, nil
}

var _ ports.InvoiceRepository = (*InvoiceRepository)(nil)
