package domain

import "time"

// NextBillingDate adds intervalCount units of interval to periodStart.
//
// Months and years use calendar arithmetic with Go's normalization, so a day
// past the end of the target month rolls into the next one:
// 2024-01-31 + 1 month = 2024-03-02, 2024-02-29 + 1 year = 2025-03-01.
// Quarterly is three calendar months. The result is always in UTC.
func NextBillingDate(periodStart time.Time, interval BillingInterval, intervalCount int) (time.Time, error) {
	if intervalCount < 1 {
		return time.Time{}, NewValidationError("interval_count", "interval count must be >= 1")
	}

	var next time.Time
	switch interval {
	case IntervalDaily:
		next = periodStart.AddDate(0, 0, intervalCount)
	case IntervalWeekly:
		next = periodStart.AddDate(0, 0, intervalCount*7)
	case IntervalMonthly:
		next = periodStart.AddDate(0, intervalCount, 0)
	case IntervalQuarterly:
		next = periodStart.AddDate(0, intervalCount*3, 0)
	case IntervalYearly:
		next = periodStart.AddDate(intervalCount, 0, 0)
	default:
		return time.Time{}, WrapError(ErrorCodeUnsupportedInterval, "unsupported billing interval", nil).
			WithDetail("interval", string(interval))
	}

	return next.UTC(), nil
}

// BillingPeriod is the half-open window [Start, End) an invoice charges for
type BillingPeriod struct {
	Start time.Time
	End   time.Time
}

// PeriodAfter returns the period that begins where start ends
func PeriodAfter(start time.Time, plan *Plan) (BillingPeriod, error) {
	end, err := NextBillingDate(start, plan.Interval, plan.IntervalCount)
	if err != nil {
		return BillingPeriod{}, err
	}
	return BillingPeriod{Start: start.UTC(), End: end}, nil
}
