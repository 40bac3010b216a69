/*
modality.go - Due-amount strategies and the billing-cycle dispatcher

PURPOSE:
  One pure function per billing regime. Given a loan's policy snapshot
  and an installment's current remaining balances, each strategy
  returns a DueAmount breakdown (principal, interest, late fee,
  days-late) as of an explicit "today". No strategy mutates its inputs.

DISPATCH:
  Strategies are selected through a lookup table keyed by BillingCycle,
  not a type hierarchy, so each regime's rounding and accrual rules
  stay independently testable. DAILY_FIXED_TERM is wired to its own
  strategy; the Monthly "Giro" regime is the fallback only for legacy
  or unrecognized tags.

REGIMES:
  Monthly (Giro):  flat interest per period carried on the installment,
                   one-time fine once past due.
  DailyFree:       rate/30 percent of remaining principal per day of
                   lateness; the interest IS the penalty, no fine.
  DailyFixedTerm:  rate/30 percent of remaining principal per day since
                   the loan's START date, plus a one-time fine once the
                   installment itself is past due.

RE-BILLING:
  Payment application capitalizes accrued interest into
  InterestRemaining and records the fine on LateFeeAccrued. Strategies
  therefore accrue only past the installment's AccruedThrough
  checkpoint and charge the fine net of what was paid: recalculating
  after a partial payment never bills the same day or the same fine
  twice.

SEE ALSO:
  - schedule.go: how each regime lays out its installments
  - payment.go: how a DueAmount is settled by a payment
*/
package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy computes the DueAmount for one installment under one
// billing regime. Pure function of (policy, installment, today).
type Strategy func(policy LoanPolicy, inst Installment, today time.Time) DueAmount

// strategies is the closed dispatch table. Unknown tags fall back to
// Monthly in Dispatch.
var strategies = map[BillingCycle]Strategy{
	CycleMonthly:        MonthlyDue,
	CycleDailyFree:      DailyFreeDue,
	CycleDailyFixedTerm: DailyFixedTermDue,
}

// Dispatch routes a billing-cycle tag to its strategy. Any
// unrecognized or legacy tag falls back to the Monthly "Giro"
// strategy; this is a deliberate safe default, not a hard failure.
func Dispatch(cycle BillingCycle) Strategy {
	if s, ok := strategies[cycle]; ok {
		return s
	}
	return MonthlyDue
}

// CalculateDue validates the policy, then dispatches. This is the
// entry point callers should use; malformed input yields a
// ValidationError rather than a silently clamped figure.
func CalculateDue(policy LoanPolicy, inst Installment, today time.Time) (DueAmount, error) {
	if policy.Principal.IsNegative() {
		return DueAmount{}, &ValidationError{Field: "principal", Reason: "must not be negative"}
	}
	if policy.InterestRate.IsNegative() {
		return DueAmount{}, &ValidationError{Field: "interestRate", Reason: "must not be negative"}
	}
	if inst.PrincipalRemaining.IsNegative() {
		return DueAmount{}, &ValidationError{Field: "principalRemaining", Reason: "must not be negative"}
	}
	return Dispatch(policy.BillingCycle)(policy, inst, today), nil
}

// dailyRate returns the per-day interest percentage: the explicit
// DailyInterestPercent when set, otherwise the monthly rate spread
// over 30 days.
func dailyRate(policy LoanPolicy) decimal.Decimal {
	if policy.DailyInterestPercent.IsPositive() {
		return policy.DailyInterestPercent
	}
	return policy.InterestRate.Div(thirty)
}

// fineDue returns the unpaid portion of the one-time late fine. Once
// any of the fine has been paid or accrued onto the installment, the
// remainder on LateFeeAccrued is the charge; the percentage is never
// levied a second time.
func fineDue(policy LoanPolicy, inst Installment, daysLate int) decimal.Decimal {
	if inst.PaidLateFee.IsPositive() || inst.LateFeeAccrued.IsPositive() {
		return inst.LateFeeAccrued
	}
	if daysLate > 0 {
		return RoundMoney(Percent(inst.PrincipalRemaining, policy.FinePercent))
	}
	return decimal.Zero
}

// accrualDays counts the billable days from 'from' to today, excluding
// days already capitalized through the installment's checkpoint.
func accrualDays(inst Installment, from, today time.Time) int {
	if inst.AccruedThrough.After(from) {
		from = inst.AccruedThrough
	}
	return ClampDays(DaysBetween(from, today))
}

// =============================================================================
// MONTHLY ("GIRO") - baseline and fallback
// =============================================================================

// MonthlyDue carries the installment's scheduled interest and adds a
// one-time fine of FinePercent of remaining principal once past due.
func MonthlyDue(policy LoanPolicy, inst Installment, today time.Time) DueAmount {
	if inst.PrincipalRemaining.IsZero() {
		return DueAmount{Total: inst.InterestRemaining, Interest: inst.InterestRemaining}
	}

	daysLate := ClampDays(DaysLate(inst.DueDate, today))
	lateFee := fineDue(policy, inst, daysLate)

	total := RoundMoney(inst.PrincipalRemaining.Add(inst.InterestRemaining).Add(lateFee))
	return DueAmount{
		Total:       total,
		Principal:   inst.PrincipalRemaining,
		Interest:    inst.InterestRemaining,
		LateFee:     lateFee,
		BaseForFine: inst.PrincipalRemaining,
		DaysLate:    daysLate,
	}
}

// =============================================================================
// DAILY FREE - interest per day of lateness, no fine
// =============================================================================

// DailyFreeDue accrues dailyRate percent of remaining principal for
// each day of lateness not yet capitalized. The per-day amount is
// rounded before multiplying, matching how the figures are quoted day
// by day.
func DailyFreeDue(policy LoanPolicy, inst Installment, today time.Time) DueAmount {
	if inst.PrincipalRemaining.IsZero() {
		return DueAmount{Total: inst.InterestRemaining, Interest: inst.InterestRemaining}
	}

	daysLate := ClampDays(DaysLate(inst.DueDate, today))
	days := accrualDays(inst, inst.DueDate, today)
	perDay := RoundMoney(Percent(inst.PrincipalRemaining, dailyRate(policy)))
	accrued := RoundMoney(perDay.Mul(decimal.NewFromInt(int64(days))))
	interest := inst.InterestRemaining.Add(accrued)

	total := RoundMoney(inst.PrincipalRemaining.Add(interest))
	return DueAmount{
		Total:       total,
		Principal:   inst.PrincipalRemaining,
		Interest:    interest,
		LateFee:     decimal.Zero,
		BaseForFine: inst.PrincipalRemaining,
		DaysLate:    daysLate,
	}
}

// =============================================================================
// DAILY FIXED TERM - running-balance cost since start, one-time fine
// =============================================================================

// DailyFixedTermDue accrues interest per day since the loan's start
// date (not since the due date), reflecting a running-balance cost
// model. Once the installment is past its own due date a flat fine of
// FinePercent of remaining principal is added exactly once.
func DailyFixedTermDue(policy LoanPolicy, inst Installment, today time.Time) DueAmount {
	if inst.PrincipalRemaining.IsZero() {
		return DueAmount{Total: inst.InterestRemaining, Interest: inst.InterestRemaining}
	}

	daysRunning := accrualDays(inst, DateOnly(policy.StartDate), today)
	accrued := RoundMoney(
		Percent(inst.PrincipalRemaining, dailyRate(policy)).
			Mul(decimal.NewFromInt(int64(daysRunning))))
	interest := inst.InterestRemaining.Add(accrued)

	daysLate := ClampDays(DaysLate(inst.DueDate, today))
	lateFee := fineDue(policy, inst, daysLate)

	total := RoundMoney(inst.PrincipalRemaining.Add(interest).Add(lateFee))
	return DueAmount{
		Total:       total,
		Principal:   inst.PrincipalRemaining,
		Interest:    interest,
		LateFee:     lateFee,
		BaseForFine: inst.PrincipalRemaining,
		DaysLate:    daysLate,
	}
}
