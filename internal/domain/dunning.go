package domain

import "time"

// DunningPolicy maps failed attempt counts to retry dates and a subscription verdict
type DunningPolicy struct {
	// RetryDelaysDays is indexed by min(attempt, len)-1; attempts past the end reuse the last delay
	RetryDelaysDays []int
	MaxAttempts     int
}

// DefaultDunningPolicy retries after 1, 3 and 7 days and gives up after the third failure
func DefaultDunningPolicy() DunningPolicy {
	return DunningPolicy{
		RetryDelaysDays: []int{1, 3, 7},
		MaxAttempts:     3,
	}
}

// RetryDelay returns the wait before the attempt that follows attemptNumber failures
func (p DunningPolicy) RetryDelay(attemptNumber int) time.Duration {
	if len(p.RetryDelaysDays) == 0 {
		return 0
	}
	idx := attemptNumber
	if idx > len(p.RetryDelaysDays) {
		idx = len(p.RetryDelaysDays)
	}
	if idx < 1 {
		idx = 1
	}
	return time.Duration(p.RetryDelaysDays[idx-1]) * 24 * time.Hour
}

// NextRetryDate returns now plus the delay for attemptNumber
func (p DunningPolicy) NextRetryDate(now time.Time, attemptNumber int) time.Time {
	return now.Add(p.RetryDelay(attemptNumber)).UTC()
}

// Verdict is past_due while retries remain and unpaid once they are exhausted
func (p DunningPolicy) Verdict(attemptNumber int) SubscriptionStatus {
	if p.Exhausted(attemptNumber) {
		return SubscriptionStatusUnpaid
	}
	return SubscriptionStatusPastDue
}

// Exhausted reports whether attemptNumber has reached MaxAttempts
func (p DunningPolicy) Exhausted(attemptNumber int) bool {
	return attemptNumber >= p.MaxAttempts
}
