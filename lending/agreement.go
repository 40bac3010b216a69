/*
agreement.go - Debt renegotiation state machine

PURPOSE:
  Converts a delinquent loan's current total debt into a new fixed
  installment plan and owns its settlement lifecycle:

    ACTIVE -> PAID    all installments settle within the tolerance;
                      the original loan's remaining installments are
                      marked PAID for consistency.
    ACTIVE -> BROKEN  manual cancellation; the original installments
                      become the debt of record again. Payments already
                      recorded stay in the ledger as history.

  Agreement payments are posted against the ORIGINAL loan id so the
  loan's audit trail stays unified.

ORDERING:
  Create, pay and break for the same loan are serialized through a
  per-loan mutex: concurrent payments on the same agreement installment
  must never double-apply.

SEE ALSO:
  - ledger.go: AGREEMENT_PAYMENT posting
  - modality.go: due-amount computation used to size the total debt
*/
package lending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AgreementTerms is the negotiated shape of the new plan.
type AgreementTerms struct {
	NegotiatedTotal   decimal.Decimal
	InterestRate      decimal.Decimal
	InstallmentsCount int
	Frequency         AgreementFrequency
	FirstDueDate      time.Time // zero = one frequency step after today
}

// AgreementEngine drives the renegotiation lifecycle.
type AgreementEngine struct {
	Agreements AgreementRepository
	Loans      LoanRepository
	Ledger     *LedgerService
	Clock      Clock

	mu    sync.Mutex
	locks map[LoanID]*sync.Mutex
}

func NewAgreementEngine(agreements AgreementRepository, loans LoanRepository, ledger *LedgerService, clock Clock) *AgreementEngine {
	return &AgreementEngine{
		Agreements: agreements,
		Loans:      loans,
		Ledger:     ledger,
		Clock:      clock,
		locks:      make(map[LoanID]*sync.Mutex),
	}
}

// lockLoan returns the mutex serializing agreement mutations for one loan.
func (e *AgreementEngine) lockLoan(id LoanID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// CreateAgreement freezes the loan's total debt as of today and
// persists the plan header plus its installment rows as one unit. The
// loan's open installments remain on record but the agreement owns
// due-amount tracking until it is PAID or BROKEN.
func (e *AgreementEngine) CreateAgreement(ctx context.Context, loan *Loan, terms AgreementTerms) (*Agreement, error) {
	lock := e.lockLoan(loan.ID)
	lock.Lock()
	defer lock.Unlock()

	if loan.ActiveAgreement != nil {
		return nil, &AgreementStateError{AgreementID: *loan.ActiveAgreement, Status: AgreementActive, Op: "create another"}
	}
	if !terms.NegotiatedTotal.IsPositive() {
		return nil, &ValidationError{Field: "negotiatedTotal", Reason: "must be positive"}
	}
	if terms.InstallmentsCount < 1 {
		return nil, &ValidationError{Field: "installmentsCount", Reason: "must be at least 1"}
	}
	switch terms.Frequency {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
	default:
		return nil, &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", terms.Frequency)}
	}

	today := DateOnly(e.Clock.Now())
	totalDebt, err := e.totalDebt(loan, today)
	if err != nil {
		return nil, err
	}

	firstDue := terms.FirstDueDate
	if firstDue.IsZero() {
		firstDue = stepDueDate(today, terms.Frequency)
	}

	amounts := SplitEven(terms.NegotiatedTotal, terms.InstallmentsCount)
	installments := make([]AgreementInstallment, terms.InstallmentsCount)
	due := DateOnly(firstDue)
	for i := range installments {
		installments[i] = AgreementInstallment{
			Number:     i + 1,
			DueDate:    due,
			Amount:     amounts[i],
			PaidAmount: decimal.Zero,
			Status:     InstallmentPending,
		}
		due = stepDueDate(due, terms.Frequency)
	}

	agreement := &Agreement{
		ID:                     AgreementID(uuid.NewString()),
		LoanID:                 loan.ID,
		TotalDebtAtNegotiation: totalDebt,
		NegotiatedTotal:        terms.NegotiatedTotal,
		InterestRate:           terms.InterestRate,
		InstallmentsCount:      terms.InstallmentsCount,
		Frequency:              terms.Frequency,
		Status:                 AgreementActive,
		Installments:           installments,
		CreatedAt:              e.Clock.Now(),
	}

	if err := e.Agreements.Create(ctx, agreement); err != nil {
		return nil, err
	}

	id := agreement.ID
	loan.ActiveAgreement = &id
	loan.UpdatedAt = e.Clock.Now()
	if err := e.Loans.SaveLoan(ctx, loan); err != nil {
		return nil, err
	}
	return agreement, nil
}

// totalDebt sums the dispatched due amounts over all open installments.
func (e *AgreementEngine) totalDebt(loan *Loan, today time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for i := range loan.Installments {
		inst := &loan.Installments[i]
		if inst.Status == InstallmentPaid {
			continue
		}
		due, err := CalculateDue(loan.Policy, *inst, today)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(due.Total)
	}
	return RoundMoney(total), nil
}

// ProcessPayment records a payment on one agreement installment, posts
// an AGREEMENT_PAYMENT entry against the original loan, and - when the
// cumulative paid amount reaches the negotiated total within the
// tolerance - flips the agreement to PAID and settles the original
// loan's remaining installments.
func (e *AgreementEngine) ProcessPayment(ctx context.Context, agreement *Agreement, number int, amount decimal.Decimal, sourceID SourceID) error {
	lock := e.lockLoan(agreement.LoanID)
	lock.Lock()
	defer lock.Unlock()

	if agreement.Status != AgreementActive {
		return &AgreementStateError{AgreementID: agreement.ID, Status: agreement.Status, Op: "pay"}
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if number < 1 || number > len(agreement.Installments) {
		return &ValidationError{Field: "installment", Reason: "no such installment number"}
	}
	inst := &agreement.Installments[number-1]
	if inst.Status == InstallmentPaid {
		return &AgreementStateError{AgreementID: agreement.ID, Status: agreement.Status, Op: fmt.Sprintf("pay settled installment %d of", number)}
	}

	inst.PaidAmount = inst.PaidAmount.Add(amount)
	if inst.PaidAmount.GreaterThanOrEqual(inst.Amount.Sub(Tolerance)) {
		inst.Status = InstallmentPaid
	} else {
		inst.Status = InstallmentPartial
	}

	entry := LedgerEntry{
		LoanID:      agreement.LoanID,
		SourceID:    sourceID,
		AgreementID: agreement.ID,
		Type:        EntryAgreementPayment,
		Amount:      amount,
		Notes:       fmt.Sprintf("parcela %d do acordo", number),
	}
	if _, err := e.Ledger.Post(ctx, entry); err != nil {
		return err
	}
	if err := e.Agreements.UpdateInstallment(ctx, agreement.ID, *inst); err != nil {
		return err
	}

	outstanding := agreement.NegotiatedTotal.Sub(agreement.TotalPaid())
	if outstanding.GreaterThan(Tolerance) {
		return nil
	}
	return e.complete(ctx, agreement)
}

// complete flips the agreement to PAID and reconciles the original
// loan's installments so loan and agreement agree on the settled debt.
func (e *AgreementEngine) complete(ctx context.Context, agreement *Agreement) error {
	for i := range agreement.Installments {
		if agreement.Installments[i].Status != InstallmentPaid {
			agreement.Installments[i].Status = InstallmentPaid
			if err := e.Agreements.UpdateInstallment(ctx, agreement.ID, agreement.Installments[i]); err != nil {
				return err
			}
		}
	}
	agreement.Status = AgreementPaid
	if err := e.Agreements.UpdateStatus(ctx, agreement.ID, AgreementPaid); err != nil {
		return err
	}

	loan, err := e.Loans.GetLoan(ctx, agreement.LoanID)
	if err != nil {
		return err
	}
	for i := range loan.Installments {
		inst := &loan.Installments[i]
		if inst.Status == InstallmentPaid {
			continue
		}
		inst.PaidPrincipal = inst.PaidPrincipal.Add(inst.PrincipalRemaining)
		inst.PaidInterest = inst.PaidInterest.Add(inst.InterestRemaining)
		inst.PrincipalRemaining = decimal.Zero
		inst.InterestRemaining = decimal.Zero
		inst.LateFeeAccrued = decimal.Zero
		inst.Status = InstallmentPaid
	}
	loan.ActiveAgreement = nil
	loan.Status = LoanArchived
	loan.UpdatedAt = e.Clock.Now()
	return e.Loans.SaveLoan(ctx, loan)
}

// BreakAgreement cancels an ACTIVE plan. Recorded agreement payments
// remain in the ledger; the original loan installments become the debt
// of record again.
func (e *AgreementEngine) BreakAgreement(ctx context.Context, agreement *Agreement) error {
	lock := e.lockLoan(agreement.LoanID)
	lock.Lock()
	defer lock.Unlock()

	if agreement.Status != AgreementActive {
		return &AgreementStateError{AgreementID: agreement.ID, Status: agreement.Status, Op: "break"}
	}
	agreement.Status = AgreementBroken
	if err := e.Agreements.UpdateStatus(ctx, agreement.ID, AgreementBroken); err != nil {
		return err
	}

	loan, err := e.Loans.GetLoan(ctx, agreement.LoanID)
	if err != nil {
		return err
	}
	loan.ActiveAgreement = nil
	loan.UpdatedAt = e.Clock.Now()
	return e.Loans.SaveLoan(ctx, loan)
}

func stepDueDate(from time.Time, freq AgreementFrequency) time.Time {
	switch freq {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14)
	default:
		return from.AddDate(0, 1, 0)
	}
}
