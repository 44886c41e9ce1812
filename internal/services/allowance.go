// Rolling-allowance projection and recommended-contribution computation.
//
// Both are pure functions over a pocket's already-materialized aggregate
// snapshot: no movement scanning, no mutation, safe to call at any time.
package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
)

// AllowanceSnapshot is the externally maintained aggregate state of a
// time-boxed expense pocket, as returned by a SnapshotReader.
type AllowanceSnapshot struct {
	PocketID        string
	DailyAllowance  decimal.Decimal // allocated_amount / duration_in_days
	AllocatedAmount decimal.Decimal
	CurrentBalance  decimal.Decimal // unspent remainder
	StartsAt        time.Time
	EndsAt          time.Time
}

// AllowancePoint is one day of the rolling-allowance series.
type AllowancePoint struct {
	Date             time.Time
	DaysFromStart    int
	ProjectedBalance decimal.Decimal
}

// AllowanceSeries projects the rolling allowance from today through the
// pocket's end date, inclusive. Unspent allowance accrues linearly and
// carries forward; it is not a hard daily cap, so a projected balance may go
// negative after overspending. The series is empty once the end date has
// passed, and never extends beyond it.
func AllowanceSeries(snap AllowanceSnapshot, today time.Time) []AllowancePoint {
	today = core.DateOnly(today)
	start := core.DateOnly(snap.StartsAt)
	end := core.DateOnly(snap.EndsAt)
	if today.After(end) {
		return nil
	}

	spentSoFar := snap.AllocatedAmount.Sub(snap.CurrentBalance)
	var series []AllowancePoint
	for d := today; !d.After(end); d = d.AddDate(0, 0, 1) {
		// A pocket accrues its first day's allowance immediately on
		// creation, so the day it starts counts as day 1.
		daysFromStart := core.DaysBetween(start, d) + 1
		if daysFromStart < 1 {
			daysFromStart = 1
		}
		projected := snap.DailyAllowance.Mul(decimal.NewFromInt(int64(daysFromStart))).Sub(spentSoFar)
		series = append(series, AllowancePoint{
			Date:             d,
			DaysFromStart:    daysFromStart,
			ProjectedBalance: projected,
		})
	}
	return series
}

// SpendableToday returns today's spendable figure, the first entry of the
// series. The second return is false when the pocket has expired.
func SpendableToday(snap AllowanceSnapshot, today time.Time) (decimal.Decimal, bool) {
	series := AllowanceSeries(snap, today)
	if len(series) == 0 {
		return decimal.Zero, false
	}
	return series[0].ProjectedBalance, true
}

// contributionPeriods maps a saving frequency to its period length in days.
// A registry so new frequencies plug in without touching the computation.
var contributionPeriods = map[core.Frequency]int{
	core.FrequencyWeekly:  7,
	core.FrequencyMonthly: 30,
}

// RegisterContributionPeriod registers the period length for a frequency.
func RegisterContributionPeriod(f core.Frequency, days int) error {
	if days <= 0 {
		return fmt.Errorf("period length must be positive, got %d", days)
	}
	contributionPeriods[f] = days
	return nil
}

// RecommendedContribution computes the per-period amount that reaches the
// saving target within the horizon. The second return is false when no
// recommendation can be produced: frequency none, unknown horizon, or a
// non-positive period count. Absent is never reported as zero.
func RecommendedContribution(target decimal.Decimal, frequency core.Frequency, horizon core.Duration) (decimal.Decimal, bool) {
	if frequency == core.FrequencyNone || frequency == "" {
		return decimal.Zero, false
	}
	periodDays, ok := contributionPeriods[frequency]
	if !ok || !horizon.IsKnown() {
		return decimal.Zero, false
	}
	periods := (horizon.Days() + periodDays - 1) / periodDays
	if periods <= 0 {
		return decimal.Zero, false
	}
	return target.Div(decimal.NewFromInt(int64(periods))).Round(2), true
}

// SavingRecommendation resolves a saving pocket's horizon (explicit end date
// when present) and delegates to RecommendedContribution.
func SavingRecommendation(p *core.SavingPocket, today time.Time) (decimal.Decimal, bool) {
	if p.EndsAt.IsZero() {
		return decimal.Zero, false
	}
	return RecommendedContribution(p.TargetAmount, p.Frequency, core.RangeDuration(today, p.EndsAt))
}
