// Package memory provides mutex-guarded in-process implementations of the
// repository ports. It backs local development and service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// Store holds every entity behind a single lock so conditional updates are atomic
type Store struct {
	plans     map[string]*domain.Plan
	customers map[string]*domain.Customer
	methods   map[string]*domain.PaymentMethodReference
	subs      map[string]*domain.Subscription
	invoices  map[string]*domain.Invoice
	mu        sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		plans:     make(map[string]*domain.Plan),
		customers: make(map[string]*domain.Customer),
		methods:   make(map[string]*domain.PaymentMethodReference),
		subs:      make(map[string]*domain.Subscription),
		invoices:  make(map[string]*domain.Invoice),
	}
}

// Plans returns the plan repository view
func (s *Store) Plans() *PlanRepository { return &PlanRepository{s: s} }

// Customers returns the customer repository view
func (s *Store) Customers() *CustomerRepository { return &CustomerRepository{s: s} }

// PaymentMethods returns the payment method repository view
func (s *Store) PaymentMethods() *PaymentMethodRepository { return &PaymentMethodRepository{s: s} }

// Subscriptions returns the subscription repository view
func (s *Store) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{s: s} }

// Invoices returns the invoice repository view
func (s *Store) Invoices() *InvoiceRepository { return &InvoiceRepository{s: s} }

var (
	_ ports.PlanRepository          = (*PlanRepository)(nil)
	_ ports.CustomerRepository      = (*CustomerRepository)(nil)
	_ ports.PaymentMethodRepository = (*PaymentMethodRepository)(nil)
	_ ports.SubscriptionRepository  = (*SubscriptionRepository)(nil)
	_ ports.InvoiceRepository       = (*InvoiceRepository)(nil)
)

// PlanRepository implements ports.PlanRepository
type PlanRepository struct{ s *Store }

func (r *PlanRepository) Create(ctx context.Context, plan *domain.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.plans[plan.ID]; exists {
		return domain.NewValidationError("id", "plan id already exists")
	}
	r.s.plans[plan.ID] = plan.Clone()
	return nil
}

func (r *PlanRepository) GetByID(ctx context.Context, id string) (*domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.plans[id]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (r *PlanRepository) List(ctx context.Context, activeOnly bool) ([]*domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.Plan, 0, len(r.s.plans))
	for _, p := range r.s.plans {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *PlanRepository) SetActive(ctx context.Context, id string, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.plans[id]
	if !ok {
		return domain.ErrPlanNotFound
	}
	p.Active = active
	return nil
}

// CustomerRepository implements ports.CustomerRepository
type CustomerRepository struct{ s *Store }

func (r *CustomerRepository) Create(ctx context.Context, c *domain.Customer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *c
	r.s.customers[c.ID] = &cp
	return nil
}

func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*domain.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.customers[id]
	if !ok {
		return nil, domain.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

// PaymentMethodRepository implements ports.PaymentMethodRepository
type PaymentMethodRepository struct{ s *Store }

func (r *PaymentMethodRepository) Create(ctx context.Context, customerID string, pm *domain.PaymentMethodReference) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *pm
	cp.CustomerID = customerID
	r.s.methods[pm.ID] = &cp
	return nil
}

func (r *PaymentMethodRepository) GetByID(ctx context.Context, id string) (*domain.PaymentMethodReference, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	pm, ok := r.s.methods[id]
	if !ok {
		return nil, domain.ErrPMNotFound
	}
	cp := *pm
	return &cp, nil
}

// SubscriptionRepository implements ports.SubscriptionRepository
type SubscriptionRepository struct{ s *Store }

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.slotTaken(sub) {
		return domain.ErrDuplicateSubscription
	}
	r.s.subs[sub.ID] = sub.Clone()
	return nil
}

// slotTaken reports whether another live subscription holds sub's
// (customer, plan) slot; callers hold the store lock
func (r *SubscriptionRepository) slotTaken(sub *domain.Subscription) bool {
	if !sub.Status.HoldsPlanSlot() {
		return false
	}
	for id, existing := range r.s.subs {
		if id != sub.ID && existing.CustomerID == sub.CustomerID && existing.PlanID == sub.PlanID && existing.Status.HoldsPlanSlot() {
			return true
		}
	}
	return false
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sub, ok := r.s.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.subs[sub.ID]; !ok {
		return domain.ErrSubscriptionNotFound
	}
	if r.slotTaken(sub) {
		return domain.ErrDuplicateSubscription
	}
	r.s.subs[sub.ID] = sub.Clone()
	return nil
}

func (r *SubscriptionRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Subscription
	for _, sub := range r.s.subs {
		if sub.CustomerID == customerID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *SubscriptionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Subscription
	for _, sub := range r.s.subs {
		if sub.IsDue(now) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextPaymentDate.Equal(out[j].NextPaymentDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextPaymentDate.Before(out[j].NextPaymentDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *SubscriptionRepository) ClaimDue(ctx context.Context, id string, observed, leaseUntil time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sub, ok := r.s.subs[id]
	if !ok {
		return false, domain.ErrSubscriptionNotFound
	}
	if !sub.Status.IsBillable() || !sub.NextPaymentDate.Equal(observed) {
		return false, nil
	}
	sub.NextPaymentDate = leaseUntil
	return true, nil
}

// InvoiceRepository implements ports.InvoiceRepository
type InvoiceRepository struct{ s *Store }

func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.invoices {
		if existing.SubscriptionID == inv.SubscriptionID && existing.Kind == inv.Kind && existing.PeriodStart.Equal(inv.PeriodStart) {
			return domain.ErrInvoiceAlreadyExists
		}
	}
	r.s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	inv, ok := r.s.invoices[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (r *InvoiceRepository) GetByPeriod(ctx context.Context, subscriptionID string, kind domain.InvoiceKind, periodStart time.Time) (*domain.Invoice, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, inv := range r.s.invoices {
		if inv.SubscriptionID == subscriptionID && inv.Kind == kind && inv.PeriodStart.Equal(periodStart) {
			return inv.Clone(), nil
		}
	}
	return nil, domain.ErrInvoiceNotFound
}

func (r *InvoiceRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error) {
	return r.list(subscriptionID, false), nil
}

func (r *InvoiceRepository) ListOpenBySubscription(ctx context.Context, subscriptionID string) ([]*domain.Invoice, error) {
	return r.list(subscriptionID, true), nil
}

func (r *InvoiceRepository) list(subscriptionID string, openOnly bool) []*domain.Invoice {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Invoice
	for _, inv := range r.s.invoices {
		if inv.SubscriptionID != subscriptionID {
			continue
		}
		if openOnly && inv.Status != domain.InvoiceStatusOpen {
			continue
		}
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if openOnly && out[i].Kind != out[j].Kind {
			return out[i].Kind == domain.InvoiceKindSetupFee
		}
		if out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}

func (r *InvoiceRepository) Update(ctx context.Context, inv *domain.Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.invoices[inv.ID]; !ok {
		return domain.ErrInvoiceNotFound
	}
	r.s.invoices[inv.ID] = inv.Clone()
	return nil
}
