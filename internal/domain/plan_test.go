package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan() *Plan {
	return &Plan{
		ID:            "plan_basic",
		Name:          "Basic",
		Amount:        999,
		Currency:      "USD",
		Interval:      IntervalMonthly,
		IntervalCount: 1,
		Active:        true,
	}
}

func TestPlan_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Plan)
		field  string
	}{
		{"blank name", func(p *Plan) { p.Name = "  " }, "name"},
		{"negative amount", func(p *Plan) { p.Amount = -1 }, "amount"},
		{"negative setup fee", func(p *Plan) { p.SetupFee = -5 }, "setup_fee"},
		{"bad currency", func(p *Plan) { p.Currency = "US" }, "currency"},
		{"zero interval count", func(p *Plan) { p.IntervalCount = 0 }, "interval_count"},
		{"negative trial", func(p *Plan) { p.TrialPeriodDays = -1 }, "trial_period_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)

			err := p.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			var de *DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.field, de.Details["field"])
		})
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validPlan().Validate())
	})

	t.Run("free plan is valid", func(t *testing.T) {
		p := validPlan()
		p.Amount = 0
		assert.NoError(t, p.Validate())
	})

	t.Run("unsupported interval", func(t *testing.T) {
		p := validPlan()
		p.Interval = "hourly"
		err := p.Validate()
		assert.ErrorIs(t, err, ErrUnsupportedInterval)
	})
}

func TestPlan_Clone(t *testing.T) {
	p := validPlan()
	p.Metadata = map[string]string{"tier": "basic"}

	cp := p.Clone()
	cp.Metadata["tier"] = "pro"
	cp.Active = false

	assert.Equal(t, "basic", p.Metadata["tier"])
	assert.True(t, p.Active)
}
