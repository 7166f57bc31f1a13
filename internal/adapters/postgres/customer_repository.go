package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// CustomerRepository implements ports.CustomerRepository
type CustomerRepository struct {
	db ports.DBTX
}

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository(db ports.DBPort) *CustomerRepository {
	return &CustomerRepository{db: db.GetDB()}
}

func (r *CustomerRepository) Create(ctx context.Context, c *domain.Customer) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO customers (id, email, name, gateway_customer_id, default_payment_method_id, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		c.ID, c.Email, c.Name, c.GatewayCustomerID, nullText(c.DefaultPaymentMethodID), nullTime(nonZero(c.CreatedAt)),
	)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*domain.Customer, error) {
	var (
		c         domain.Customer
		defaultPM pgtype.Text
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, email, name, gateway_customer_id, default_payment_method_id, created_at
		FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Email, &c.Name, &c.GatewayCustomerID, &defaultPM, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, domain.ErrCustomerNotFound)
	}

	c.DefaultPaymentMethodID = textPtr(defaultPM)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// PaymentMethodRepository implements ports.PaymentMethodRepository
type PaymentMethodRepository struct {
	db ports.DBTX
}

// NewPaymentMethodRepository creates a new payment method repository
func NewPaymentMethodRepository(db ports.DBPort) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db.GetDB()}
}

func (r *PaymentMethodRepository) Create(ctx context.Context, customerID string, pm *domain.PaymentMethodReference) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_methods (id, customer_id, gateway_token, gateway_customer_id)
		VALUES ($1, $2, $3, $4)`,
		pm.ID, customerID, pm.GatewayToken, pm.GatewayCustomerID,
	)
	if err != nil {
		return fmt.Errorf("create payment method: %w", err)
	}
	return nil
}

func (r *PaymentMethodRepository) GetByID(ctx context.Context, id string) (*domain.PaymentMethodReference, error) {
	var pm domain.PaymentMethodReference
	err := r.db.QueryRow(ctx, `
		SELECT id, customer_id, gateway_token, gateway_customer_id
		FROM payment_methods WHERE id = $1`, id,
	).Scan(&pm.ID, &pm.CustomerID, &pm.GatewayToken, &pm.GatewayCustomerID)
	if err != nil {
		return nil, notFound(err, domain.ErrPMNotFound)
	}
	return &pm, nil
}

var (
	_ ports.CustomerRepository      = (*CustomerRepository)(nil)
	_ ports.PaymentMethodRepository = (*PaymentMethodRepository)(nil)
)
