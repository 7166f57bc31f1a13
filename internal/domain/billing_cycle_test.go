package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextBillingDate(t *testing.T) {
	tests := []struct {
		name     string
		start    time.Time
		interval BillingInterval
		count    int
		expected time.Time
	}{
		{"daily", date(2024, 1, 1), IntervalDaily, 1, date(2024, 1, 2)},
		{"daily x30", date(2024, 1, 1), IntervalDaily, 30, date(2024, 1, 31)},
		{"weekly", date(2024, 1, 1), IntervalWeekly, 1, date(2024, 1, 8)},
		{"biweekly", date(2024, 1, 1), IntervalWeekly, 2, date(2024, 1, 15)},
		{"monthly", date(2024, 1, 1), IntervalMonthly, 1, date(2024, 2, 1)},
		{"monthly from jan 31 in leap year", date(2024, 1, 31), IntervalMonthly, 1, date(2024, 3, 2)},
		{"monthly from jan 31 in common year", date(2023, 1, 31), IntervalMonthly, 1, date(2023, 3, 3)},
		{"monthly across year end", date(2024, 12, 15), IntervalMonthly, 1, date(2025, 1, 15)},
		{"quarterly", date(2024, 1, 1), IntervalQuarterly, 1, date(2024, 4, 1)},
		{"semiannual via quarterly x2", date(2024, 1, 1), IntervalQuarterly, 2, date(2024, 7, 1)},
		{"yearly", date(2024, 3, 1), IntervalYearly, 1, date(2025, 3, 1)},
		{"yearly from leap day", date(2024, 2, 29), IntervalYearly, 1, date(2025, 3, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextBillingDate(tt.start, tt.interval, tt.count)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextBillingDate_AlwaysAfterStart(t *testing.T) {
	intervals := []BillingInterval{IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalQuarterly, IntervalYearly}
	starts := []time.Time{
		date(2024, 1, 31),
		date(2024, 2, 29),
		date(2023, 12, 31),
		time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC),
	}

	for _, interval := range intervals {
		for _, start := range starts {
			for count := 1; count <= 12; count++ {
				got, err := NextBillingDate(start, interval, count)
				require.NoError(t, err)
				assert.True(t, got.After(start), "%s x%d from %s gave %s", interval, count, start, got)
			}
		}
	}
}

func TestNextBillingDate_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	start := time.Date(2024, 1, 1, 3, 0, 0, 0, loc)

	got, err := NextBillingDate(start, IntervalDaily, 1)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, start.AddDate(0, 0, 1).Equal(got))
}

func TestNextBillingDate_Errors(t *testing.T) {
	t.Run("unsupported interval", func(t *testing.T) {
		_, err := NextBillingDate(date(2024, 1, 1), BillingInterval("fortnightly"), 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedInterval)
		assert.False(t, IsTransient(err))
	})

	t.Run("zero interval count", func(t *testing.T) {
		_, err := NextBillingDate(date(2024, 1, 1), IntervalMonthly, 0)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestPeriodAfter(t *testing.T) {
	plan := &Plan{Interval: IntervalMonthly, IntervalCount: 1}

	period, err := PeriodAfter(date(2024, 2, 1), plan)
	require.NoError(t, err)
	assert.True(t, date(2024, 2, 1).Equal(period.Start))
	assert.True(t, date(2024, 3, 1).Equal(period.End))
}
