/*
payment.go - Payment coordinator

PURPOSE:
  Applies a payment to a loan as one logical unit of work: compute the
  due amount through the modality dispatcher, settle the oldest unpaid
  installment (late fee, then interest, then principal), post the
  PAYMENT ledger entry, adjust the capital source, persist the loan.

PARTIAL-FAILURE DETECTABILITY:
  There is no ambient database transaction across these resources. The
  steps run in a fixed order and the PaymentOutcome records exactly
  which steps completed, so a caller can distinguish "nothing happened"
  from "partially happened" and retry or compensate.

ORDERING:
  Payments against the same loan are serialized through a per-loan
  mutex: concurrent attempts on the same installment must never
  double-apply. Reversals take the same lock.
*/
package lending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStep names the phases of a payment for outcome reporting.
type PaymentStep string

const (
	StepCalculate   PaymentStep = "calculate"
	StepInstallment PaymentStep = "installment"
	StepLedger      PaymentStep = "ledger"
	StepSource      PaymentStep = "source"
	StepPersist     PaymentStep = "persist"
)

// PaymentOutcome reports what a payment did and how far it got.
type PaymentOutcome struct {
	Due        DueAmount
	Entry      LedgerEntry
	Completed  []PaymentStep
	FailedStep PaymentStep
}

func (o *PaymentOutcome) complete(step PaymentStep) { o.Completed = append(o.Completed, step) }

// Coordinator drives payments and reversals against a loan while
// keeping ledger, installments and source balance mutually consistent.
type Coordinator struct {
	Loans  LoanRepository
	Ledger *LedgerService
	Clock  Clock

	mu    sync.Mutex
	locks map[LoanID]*sync.Mutex
}

func NewCoordinator(loans LoanRepository, ledger *LedgerService, clock Clock) *Coordinator {
	return &Coordinator{
		Loans:  loans,
		Ledger: ledger,
		Clock:  clock,
		locks:  make(map[LoanID]*sync.Mutex),
	}
}

// lockLoan returns the mutex serializing all money movement for one loan.
func (c *Coordinator) lockLoan(id LoanID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// ApplyPayment settles amount against the loan's oldest unpaid
// installment. Overpayment beyond the installment's due total is
// rejected; partial payments are carried on the installment.
func (c *Coordinator) ApplyPayment(ctx context.Context, loanID LoanID, sourceID SourceID, amount decimal.Decimal) (*PaymentOutcome, error) {
	lock := c.lockLoan(loanID)
	lock.Lock()
	defer lock.Unlock()

	outcome := &PaymentOutcome{}

	if !amount.IsPositive() {
		outcome.FailedStep = StepCalculate
		return outcome, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	loan, err := c.Loans.GetLoan(ctx, loanID)
	if err != nil {
		outcome.FailedStep = StepCalculate
		return outcome, err
	}
	if loan.ActiveAgreement != nil {
		outcome.FailedStep = StepCalculate
		return outcome, &ValidationError{Field: "loan", Reason: "an active agreement owns this debt; pay the agreement"}
	}
	inst := loan.OldestUnpaid()
	if inst == nil {
		outcome.FailedStep = StepCalculate
		return outcome, &ValidationError{Field: "loan", Reason: "loan has no open installments"}
	}

	today := DateOnly(c.Clock.Now())
	due, err := CalculateDue(loan.Policy, *inst, today)
	if err != nil {
		outcome.FailedStep = StepCalculate
		return outcome, err
	}
	outcome.Due = due
	outcome.complete(StepCalculate)

	if amount.GreaterThan(due.Total.Add(Tolerance)) {
		outcome.FailedStep = StepInstallment
		return outcome, &ValidationError{Field: "amount", Reason: "exceeds amount due"}
	}

	alloc := allocate(amount, due)
	applyAllocation(inst, due, alloc, today)
	outcome.complete(StepInstallment)

	entry := LedgerEntry{
		LoanID:         loan.ID,
		SourceID:       sourceID,
		InstallmentID:  inst.ID,
		Type:           EntryPayment,
		Amount:         amount,
		PrincipalDelta: alloc.Principal,
		InterestDelta:  alloc.Interest,
		LateFeeDelta:   alloc.LateFee,
	}
	posted, err := c.Ledger.Post(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrSourceAdjust) {
			// The entry is on the ledger; only the balance adjustment failed.
			outcome.Entry = posted
			outcome.complete(StepLedger)
			outcome.FailedStep = StepSource
		} else {
			outcome.FailedStep = StepLedger
		}
		return outcome, err
	}
	outcome.Entry = posted
	outcome.complete(StepLedger)
	outcome.complete(StepSource)

	loan.UpdatedAt = c.Clock.Now()
	if err := c.Loans.SaveLoan(ctx, loan); err != nil {
		outcome.FailedStep = StepPersist
		return outcome, err
	}
	outcome.complete(StepPersist)
	return outcome, nil
}

// ReversePayment compensates a prior entry and persists the reopened
// loan state, under the same per-loan lock as payments.
func (c *Coordinator) ReversePayment(ctx context.Context, loanID LoanID, entryID EntryID) (LedgerEntry, error) {
	lock := c.lockLoan(loanID)
	lock.Lock()
	defer lock.Unlock()

	loan, err := c.Loans.GetLoan(ctx, loanID)
	if err != nil {
		return LedgerEntry{}, err
	}
	original, err := c.Ledger.Entries.GetEntry(ctx, entryID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if original.LoanID != loanID {
		return LedgerEntry{}, &ValidationError{Field: "entryId", Reason: "entry does not belong to this loan"}
	}

	estorno, err := c.Ledger.Reverse(ctx, original, loan)
	if err != nil {
		return estorno, err
	}

	loan.UpdatedAt = c.Clock.Now()
	if err := c.Loans.SaveLoan(ctx, loan); err != nil {
		return estorno, err
	}
	return estorno, nil
}

// =============================================================================
// ALLOCATION - late fee, then interest, then principal
// =============================================================================

// PaymentAllocation is how one cash amount splits across the debt
// components.
type PaymentAllocation struct {
	LateFee   decimal.Decimal
	Interest  decimal.Decimal
	Principal decimal.Decimal
}

func allocate(amount decimal.Decimal, due DueAmount) PaymentAllocation {
	remaining := amount
	take := func(owed decimal.Decimal) decimal.Decimal {
		if remaining.IsZero() || !owed.IsPositive() {
			return decimal.Zero
		}
		part := decimal.Min(remaining, owed)
		remaining = remaining.Sub(part)
		return part
	}
	a := PaymentAllocation{}
	a.LateFee = take(due.LateFee)
	a.Interest = take(due.Interest)
	a.Principal = take(due.Principal)
	// Any residue within the tolerance settles principal.
	if remaining.IsPositive() {
		a.Principal = a.Principal.Add(remaining)
	}
	return a
}

// applyAllocation mutates the installment with a settled allocation.
// The due amount carries freshly accrued interest and fine, so the
// remainders are rebased on the due figures before subtracting. Moving
// AccruedThrough to the payment date marks those accrued days (and the
// levied fine) as captured on the installment, so the next calculation
// bills only what comes after.
func applyAllocation(inst *Installment, due DueAmount, alloc PaymentAllocation, today time.Time) {
	inst.InterestRemaining = due.Interest.Sub(alloc.Interest)
	inst.LateFeeAccrued = due.LateFee.Sub(alloc.LateFee)
	inst.AccruedThrough = today
	inst.PrincipalRemaining = inst.PrincipalRemaining.Sub(alloc.Principal)
	if inst.PrincipalRemaining.IsNegative() {
		inst.PrincipalRemaining = decimal.Zero
	}

	inst.PaidPrincipal = inst.PaidPrincipal.Add(alloc.Principal)
	inst.PaidInterest = inst.PaidInterest.Add(alloc.Interest)
	inst.PaidLateFee = inst.PaidLateFee.Add(alloc.LateFee)

	if inst.Settled() && inst.LateFeeAccrued.LessThanOrEqual(Tolerance) {
		inst.PrincipalRemaining = decimal.Zero
		inst.InterestRemaining = decimal.Zero
		inst.LateFeeAccrued = decimal.Zero
		inst.Status = InstallmentPaid
	} else {
		inst.Status = InstallmentPartial
	}
}
