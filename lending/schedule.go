/*
schedule.go - Installment schedule generation

PURPOSE:
  Builds the initial ordered sequence of installments for a new or
  edited loan: principal split, due dates, fixed-term day count and
  weekend skipping. On edit, the fresh schedule is reconciled against
  the persisted one: due dates, paid totals and accrual state carry
  over, so neither a manual due-date adjustment nor a recorded payment
  is ever silently discarded.

LAYOUT PER REGIME:
  MONTHLY:          monthly-spaced installments with flat interest on
                    the original principal baked into each row.
  DAILY_FREE:       a single open-ended installment; the due date is
                    the next interest checkpoint, not a maturity.
                    Weekend skipping is ALWAYS ignored - the free-daily
                    regime never skips weekend accrual.
  DAILY_FIXED_TERM: FixedDurationDays divided across the installments,
                    due dates stepped with AddBusinessDays honoring
                    SkipWeekends, total term interest split per row.

SEE ALSO:
  - modality.go: ongoing due-amount computation per regime
  - clock.go: business-day arithmetic
*/
package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Schedule is the generator's output: the ordered installments and the
// rounded total the lender expects to receive.
type Schedule struct {
	Installments   []Installment
	TotalToReceive decimal.Decimal
}

// IDGenerator mints installment identifiers.
type IDGenerator func() InstallmentID

// dailyFreeCheckpointDays is the spacing of the recurring interest
// checkpoint for DAILY_FREE loans.
const dailyFreeCheckpointDays = 30

// GenerateSchedule builds the installment schedule for a loan policy.
func GenerateSchedule(policy LoanPolicy, newID IDGenerator) (Schedule, error) {
	if err := validatePolicy(policy); err != nil {
		return Schedule{}, err
	}

	switch policy.BillingCycle {
	case CycleDailyFree:
		return dailyFreeSchedule(policy, newID), nil
	case CycleDailyFixedTerm:
		return dailyFixedTermSchedule(policy, newID), nil
	default:
		return monthlySchedule(policy, newID), nil
	}
}

func validatePolicy(policy LoanPolicy) error {
	if !policy.Principal.IsPositive() {
		return &ValidationError{Field: "principal", Reason: "must be positive"}
	}
	if policy.InterestRate.IsNegative() {
		return &ValidationError{Field: "interestRate", Reason: "must not be negative"}
	}
	if policy.StartDate.IsZero() {
		return &ValidationError{Field: "startDate", Reason: "is required"}
	}
	if policy.Installments < 1 {
		return &ValidationError{Field: "installments", Reason: "must be at least 1"}
	}
	if policy.BillingCycle == CycleDailyFixedTerm && policy.FixedDurationDays < 1 {
		return &ValidationError{Field: "fixedDurationDays", Reason: "must be at least 1"}
	}
	return nil
}

// monthlySchedule emits monthly-spaced installments. Interest is flat
// on the original principal per period, the informal "Giro" quote.
func monthlySchedule(policy LoanPolicy, newID IDGenerator) Schedule {
	n := policy.Installments
	principalParts := SplitEven(policy.Principal, n)
	perInterest := RoundMoney(Percent(policy.Principal, policy.InterestRate))

	installments := make([]Installment, 0, n)
	total := decimal.Zero
	start := DateOnly(policy.StartDate)
	for i := 0; i < n; i++ {
		due := start.AddDate(0, i+1, 0)
		if policy.SkipWeekends {
			due = NextWeekday(due)
		}
		installments = append(installments, newInstallment(newID(), i+1, due, principalParts[i], perInterest))
		total = total.Add(principalParts[i]).Add(perInterest)
	}
	return Schedule{Installments: installments, TotalToReceive: RoundMoney(total)}
}

// dailyFreeSchedule emits one open-ended installment. The due date is
// only the next interest checkpoint; interest keeps accruing daily
// until settled, so nothing is baked into the scheduled amount.
// SkipWeekends is ignored even when set.
func dailyFreeSchedule(policy LoanPolicy, newID IDGenerator) Schedule {
	due := DateOnly(policy.StartDate).AddDate(0, 0, dailyFreeCheckpointDays)
	inst := newInstallment(newID(), 1, due, policy.Principal, decimal.Zero)
	return Schedule{
		Installments:   []Installment{inst},
		TotalToReceive: RoundMoney(policy.Principal),
	}
}

// dailyFixedTermSchedule divides the fixed term across the configured
// installment count, stepping due dates with business-day arithmetic.
func dailyFixedTermSchedule(policy LoanPolicy, newID IDGenerator) Schedule {
	n := policy.Installments
	principalParts := SplitEven(policy.Principal, n)

	termInterest := RoundMoney(
		Percent(policy.Principal, dailyRate(policy)).
			Mul(decimal.NewFromInt(int64(policy.FixedDurationDays))))
	interestParts := SplitEven(termInterest, n)

	daysPer := policy.FixedDurationDays / n
	if daysPer < 1 {
		daysPer = 1
	}

	installments := make([]Installment, 0, n)
	total := decimal.Zero
	start := DateOnly(policy.StartDate)
	for i := 0; i < n; i++ {
		days := daysPer * (i + 1)
		if i == n-1 {
			days = policy.FixedDurationDays
		}
		due := AddBusinessDays(start, days, policy.SkipWeekends)
		installments = append(installments, newInstallment(newID(), i+1, due, principalParts[i], interestParts[i]))
		total = total.Add(principalParts[i]).Add(interestParts[i])
	}
	return Schedule{Installments: installments, TotalToReceive: RoundMoney(total)}
}

func newInstallment(id InstallmentID, seq int, due time.Time, principal, interest decimal.Decimal) Installment {
	return Installment{
		ID:                 id,
		Sequence:           seq,
		DueDate:            due,
		ScheduledPrincipal: principal,
		ScheduledInterest:  interest,
		PrincipalRemaining: principal,
		InterestRemaining:  interest,
		LateFeeAccrued:     decimal.Zero,
		PaidPrincipal:      decimal.Zero,
		PaidInterest:       decimal.Zero,
		PaidLateFee:        decimal.Zero,
		Status:             InstallmentPending,
	}
}

// ReconcileSchedules overlays a previously persisted schedule onto a
// freshly generated one, matching by installment id first and sequence
// number second. On each match the persisted due date, paid totals and
// accrual state carry over, and the remaining balances shift by the
// scheduled-amount delta - an edit therefore never re-bills what was
// already collected. When a new scheduled amount falls below what was
// paid on the matching row, or a row with recorded payments has no
// match in the new schedule, the edit is rejected with ErrConsistency
// rather than coerced.
func ReconcileSchedules(fresh, previous []Installment) ([]Installment, error) {
	byID := make(map[InstallmentID]Installment, len(previous))
	bySeq := make(map[int]Installment, len(previous))
	for _, p := range previous {
		byID[p.ID] = p
		bySeq[p.Sequence] = p
	}

	carried := make(map[InstallmentID]bool, len(previous))
	out := make([]Installment, len(fresh))
	copy(out, fresh)
	for i := range out {
		p, ok := byID[out[i].ID]
		if !ok {
			p, ok = bySeq[out[i].Sequence]
		}
		if !ok {
			continue
		}
		carried[p.ID] = true

		merged, err := carryInstallment(out[i], p)
		if err != nil {
			return nil, err
		}
		out[i] = merged
	}

	for _, p := range previous {
		if carried[p.ID] || !hasPayments(p) {
			continue
		}
		return nil, fmt.Errorf("%w: installment %d has recorded payments and no matching row in the new schedule",
			ErrConsistency, p.Sequence)
	}
	return out, nil
}

// carryInstallment merges one persisted row into its regenerated
// counterpart. Remaining balances move by the scheduled delta so paid
// and capitalized amounts survive unchanged.
func carryInstallment(fresh, prev Installment) (Installment, error) {
	out := fresh
	out.DueDate = prev.DueDate
	out.PaidPrincipal = prev.PaidPrincipal
	out.PaidInterest = prev.PaidInterest
	out.PaidLateFee = prev.PaidLateFee
	out.LateFeeAccrued = prev.LateFeeAccrued
	out.AccruedThrough = prev.AccruedThrough

	out.PrincipalRemaining = prev.PrincipalRemaining.Add(fresh.ScheduledPrincipal.Sub(prev.ScheduledPrincipal))
	out.InterestRemaining = prev.InterestRemaining.Add(fresh.ScheduledInterest.Sub(prev.ScheduledInterest))
	if out.PrincipalRemaining.IsNegative() || out.InterestRemaining.IsNegative() {
		return Installment{}, fmt.Errorf("%w: installment %d was already paid beyond the new scheduled amount",
			ErrConsistency, fresh.Sequence)
	}

	out.Status = prev.Status
	outstanding := out.PrincipalRemaining.Add(out.InterestRemaining)
	if out.Status == InstallmentPaid && outstanding.GreaterThan(Tolerance) {
		// A raised scheduled amount reopens a settled row.
		out.Status = InstallmentPartial
	}
	return out, nil
}

func hasPayments(inst Installment) bool {
	return inst.PaidPrincipal.IsPositive() || inst.PaidInterest.IsPositive() || inst.PaidLateFee.IsPositive()
}
