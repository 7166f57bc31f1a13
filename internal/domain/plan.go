package domain

import (
	"strings"
	"time"
)

// BillingInterval defines the calendar unit a plan renews on
type BillingInterval string

const (
	IntervalDaily     BillingInterval = "daily"
	IntervalWeekly    BillingInterval = "weekly"
	IntervalMonthly   BillingInterval = "monthly"
	IntervalQuarterly BillingInterval = "quarterly"
	IntervalYearly    BillingInterval = "yearly"
)

// IsValid returns true for the recognized plan intervals
func (i BillingInterval) IsValid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	}
	return false
}

// Plan is an immutable price point. Only Active may change after creation.
type Plan struct {
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata"`
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Currency        string            `json:"currency"`
	Interval        BillingInterval   `json:"interval"`
	Amount          int64             `json:"amount"`
	SetupFee        int64             `json:"setup_fee"`
	IntervalCount   int               `json:"interval_count"`
	TrialPeriodDays int               `json:"trial_period_days"`
	Active          bool              `json:"active"`
}

// Validate checks the invariants a plan must satisfy before it is stored
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", "plan name is required")
	}
	if p.Amount < 0 {
		return NewValidationError("amount", "plan amount must be >= 0")
	}
	if p.SetupFee < 0 {
		return NewValidationError("setup_fee", "setup fee must be >= 0")
	}
	if len(p.Currency) != 3 {
		return NewValidationError("currency", "currency must be a 3-letter ISO 4217 code")
	}
	if !p.Interval.IsValid() {
		return WrapError(ErrorCodeUnsupportedInterval, "unsupported billing interval", nil).
			WithDetail("interval", string(p.Interval))
	}
	if p.IntervalCount < 1 {
		return NewValidationError("interval_count", "interval count must be >= 1")
	}
	if p.TrialPeriodDays < 0 {
		return NewValidationError("trial_period_days", "trial period days must be >= 0")
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a cached plan
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Metadata = cloneMetadata(p.Metadata)
	return &cp
}
