package lending_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crediario/lending-engine/lending"
	"github.com/crediario/lending-engine/lending/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestCoordinator stores a monthly loan nine days past due:
// principal 1000, carried interest 300, 10% late fine. Due on
// 2025-04-10 is 1000 + 300 + 100 = 1400.
func newTestCoordinator(t *testing.T) (*lending.Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := lending.FixedClock{At: date(2025, time.April, 10)}
	ledger := lending.NewLedgerService(mem, mem, clock)
	coord := lending.NewCoordinator(mem, ledger, clock)
	ctx := context.Background()

	require.NoError(t, mem.SaveSource(ctx, &lending.CapitalSource{
		ID: "caixa", Name: "Caixa", Type: lending.SourceCash, Balance: dec("5000"),
	}))
	require.NoError(t, mem.SaveLoan(ctx, overdueLoan()))
	return coord, mem
}

func overdueLoan() *lending.Loan {
	return &lending.Loan{
		ID:       "loan-1",
		SourceID: "caixa",
		Policy: lending.LoanPolicy{
			Principal:    dec("1000"),
			InterestRate: dec("30"),
			FinePercent:  dec("10"),
			BillingCycle: lending.CycleMonthly,
			StartDate:    date(2025, time.March, 1),
			Installments: 1,
		},
		Installments: []lending.Installment{{
			ID:                 "inst-1",
			Sequence:           1,
			DueDate:            date(2025, time.April, 1),
			ScheduledPrincipal: dec("1000"),
			ScheduledInterest:  dec("300"),
			PrincipalRemaining: dec("1000"),
			InterestRemaining:  dec("300"),
			Status:             lending.InstallmentPending,
		}},
		Status: lending.LoanActive,
	}
}

func storedInstallment(t *testing.T, mem *store.Memory) lending.Installment {
	t.Helper()
	loan, err := mem.GetLoan(context.Background(), "loan-1")
	require.NoError(t, err)
	require.Len(t, loan.Installments, 1)
	return loan.Installments[0]
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

func TestCoordinator_ApplyPayment_FullSettlesInstallment(t *testing.T) {
	coord, mem := newTestCoordinator(t)

	outcome, err := coord.ApplyPayment(context.Background(), "loan-1", "caixa", dec("1400"))
	require.NoError(t, err)

	assert.Equal(t, []lending.PaymentStep{
		lending.StepCalculate, lending.StepInstallment,
		lending.StepLedger, lending.StepSource, lending.StepPersist,
	}, outcome.Completed)
	assert.Empty(t, outcome.FailedStep)

	// Allocation order: late fee, then interest, then principal.
	assert.True(t, outcome.Entry.LateFeeDelta.Equal(dec("100")))
	assert.True(t, outcome.Entry.InterestDelta.Equal(dec("300")))
	assert.True(t, outcome.Entry.PrincipalDelta.Equal(dec("1000")))

	inst := storedInstallment(t, mem)
	assert.Equal(t, lending.InstallmentPaid, inst.Status)
	assert.True(t, inst.PrincipalRemaining.IsZero())
	assert.True(t, inst.InterestRemaining.IsZero())
	assert.True(t, inst.LateFeeAccrued.IsZero())
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("6400")))
}

func TestCoordinator_ApplyPayment_PartialCarriesRemainder(t *testing.T) {
	coord, mem := newTestCoordinator(t)

	outcome, err := coord.ApplyPayment(context.Background(), "loan-1", "caixa", dec("150"))
	require.NoError(t, err)

	// 150 covers the 100 fine and 50 of interest; principal untouched.
	assert.True(t, outcome.Entry.LateFeeDelta.Equal(dec("100")))
	assert.True(t, outcome.Entry.InterestDelta.Equal(dec("50")))
	assert.True(t, outcome.Entry.PrincipalDelta.IsZero())

	inst := storedInstallment(t, mem)
	assert.Equal(t, lending.InstallmentPartial, inst.Status)
	assert.True(t, inst.InterestRemaining.Equal(dec("250")))
	assert.True(t, inst.PrincipalRemaining.Equal(dec("1000")))
	assert.True(t, inst.LateFeeAccrued.IsZero(), "fine fully covered")
}

func TestCoordinator_ApplyPayment_WithinToleranceSettles(t *testing.T) {
	coord, mem := newTestCoordinator(t)

	_, err := coord.ApplyPayment(context.Background(), "loan-1", "caixa", dec("1399.95"))
	require.NoError(t, err)

	inst := storedInstallment(t, mem)
	assert.Equal(t, lending.InstallmentPaid, inst.Status, "5 centavos short is settled")
	assert.True(t, inst.PrincipalRemaining.IsZero())
}

func TestCoordinator_ApplyPayment_OverpaymentRejected(t *testing.T) {
	coord, mem := newTestCoordinator(t)

	outcome, err := coord.ApplyPayment(context.Background(), "loan-1", "caixa", dec("1400.11"))
	assert.ErrorIs(t, err, lending.ErrValidation)
	assert.Equal(t, lending.StepInstallment, outcome.FailedStep)
	assert.Equal(t, []lending.PaymentStep{lending.StepCalculate}, outcome.Completed)

	inst := storedInstallment(t, mem)
	assert.Equal(t, lending.InstallmentPending, inst.Status, "nothing applied")
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("5000")))
}

func TestCoordinator_ApplyPayment_RejectsNonPositiveAmount(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	_, err := coord.ApplyPayment(context.Background(), "loan-1", "caixa", dec("0"))
	assert.ErrorIs(t, err, lending.ErrValidation)
}

func TestCoordinator_ApplyPayment_RejectsLoanUnderAgreement(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	agreementID := lending.AgreementID("ag-1")
	loan.ActiveAgreement = &agreementID
	require.NoError(t, mem.SaveLoan(ctx, loan))

	_, err = coord.ApplyPayment(ctx, "loan-1", "caixa", dec("100"))
	assert.ErrorIs(t, err, lending.ErrValidation)
}

func TestCoordinator_ApplyPayment_SourceFailureIsDetectable(t *testing.T) {
	// GIVEN: a payment routed to a source that does not exist
	// WHEN: the ledger append succeeds but the balance adjustment fails
	// THEN: the outcome shows exactly how far the operation got

	coord, mem := newTestCoordinator(t)

	outcome, err := coord.ApplyPayment(context.Background(), "loan-1", "gaveta", dec("150"))
	require.Error(t, err)
	assert.ErrorIs(t, err, lending.ErrSourceAdjust)
	assert.ErrorIs(t, err, lending.ErrNotFound)

	assert.Equal(t, lending.StepSource, outcome.FailedStep)
	assert.Contains(t, outcome.Completed, lending.StepLedger)
	assert.NotEmpty(t, outcome.Entry.ID, "entry landed on the ledger before the failure")

	entries, lerr := mem.EntriesByLoan(context.Background(), "loan-1")
	require.NoError(t, lerr)
	assert.Len(t, entries, 1)
}

// =============================================================================
// DUE RECALCULATION AFTER PARTIAL PAYMENT
// =============================================================================

func TestCoordinator_ApplyPayment_PartialFineNotReleviedOnRecalc(t *testing.T) {
	// GIVEN: 60 paid against the 100 fine on the overdue monthly loan
	// WHEN: the due amount is recalculated on the same day
	// THEN: only the 40 still owed on the fine is charged, not a fresh
	//       100, so the total drops from 1400 to 1340

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	outcome, err := coord.ApplyPayment(ctx, "loan-1", "caixa", dec("60"))
	require.NoError(t, err)
	assert.True(t, outcome.Entry.LateFeeDelta.Equal(dec("60")))

	inst := storedInstallment(t, mem)
	assert.True(t, inst.LateFeeAccrued.Equal(dec("40")))

	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	due, err := lending.CalculateDue(loan.Policy, inst, date(2025, time.April, 10))
	require.NoError(t, err)
	assert.True(t, due.LateFee.Equal(dec("40")), "fine owed is the unpaid remainder, got %s", due.LateFee)
	assert.True(t, due.Total.Equal(dec("1340")), "got %s", due.Total)
}

func TestCoordinator_ApplyPayment_DailyAccrualNotRebilledOnRecalc(t *testing.T) {
	// GIVEN: a DAILY_FREE loan ten days past its checkpoint with 100 of
	//        accrued interest, of which 50 is paid
	// WHEN: the due amount is recalculated on the same day
	// THEN: 50 remains owed - the ten accrued days are not billed again

	mem := store.NewMemory()
	clock := lending.FixedClock{At: date(2025, time.April, 10)}
	ledger := lending.NewLedgerService(mem, mem, clock)
	coord := lending.NewCoordinator(mem, ledger, clock)
	ctx := context.Background()

	require.NoError(t, mem.SaveSource(ctx, &lending.CapitalSource{
		ID: "caixa", Name: "Caixa", Type: lending.SourceCash, Balance: dec("5000"),
	}))
	require.NoError(t, mem.SaveLoan(ctx, &lending.Loan{
		ID:       "loan-df",
		SourceID: "caixa",
		Policy: lending.LoanPolicy{
			Principal:    dec("1000"),
			InterestRate: dec("30"),
			BillingCycle: lending.CycleDailyFree,
			StartDate:    date(2025, time.March, 1),
			Installments: 1,
		},
		Installments: []lending.Installment{{
			ID:                 "inst-df",
			Sequence:           1,
			DueDate:            date(2025, time.March, 31),
			ScheduledPrincipal: dec("1000"),
			PrincipalRemaining: dec("1000"),
			Status:             lending.InstallmentPending,
		}},
		Status: lending.LoanActive,
	}))

	// 10 days at 1%/day on 1000 = 100 of interest accrued.
	outcome, err := coord.ApplyPayment(ctx, "loan-df", "caixa", dec("50"))
	require.NoError(t, err)
	assert.True(t, outcome.Due.Interest.Equal(dec("100")))
	assert.True(t, outcome.Entry.InterestDelta.Equal(dec("50")))

	loan, err := mem.GetLoan(ctx, "loan-df")
	require.NoError(t, err)
	inst := loan.Installments[0]
	assert.True(t, inst.InterestRemaining.Equal(dec("50")))
	assert.True(t, inst.AccruedThrough.Equal(date(2025, time.April, 10)))

	due, err := lending.CalculateDue(loan.Policy, inst, date(2025, time.April, 10))
	require.NoError(t, err)
	assert.True(t, due.Interest.Equal(dec("50")), "accrued days already captured must not re-bill, got %s", due.Interest)
	assert.True(t, due.Total.Equal(dec("1050")), "got %s", due.Total)
}

// =============================================================================
// REVERSE PAYMENT
// =============================================================================

func TestCoordinator_ReversePayment_RestoresPersistedState(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	outcome, err := coord.ApplyPayment(ctx, "loan-1", "caixa", dec("1400"))
	require.NoError(t, err)
	require.Equal(t, lending.InstallmentPaid, storedInstallment(t, mem).Status)

	estorno, err := coord.ReversePayment(ctx, "loan-1", outcome.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.EntryEstorno, estorno.Type)

	inst := storedInstallment(t, mem)
	assert.Equal(t, lending.InstallmentPending, inst.Status)
	assert.True(t, inst.PrincipalRemaining.Equal(dec("1000")))
	assert.True(t, inst.InterestRemaining.Equal(dec("300")))
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("5000")))
}

func TestCoordinator_ReversePayment_WrongLoanRejected(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	other := overdueLoan()
	other.ID = "loan-2"
	other.Installments[0].ID = "inst-2"
	require.NoError(t, mem.SaveLoan(ctx, other))

	outcome, err := coord.ApplyPayment(ctx, "loan-1", "caixa", dec("100"))
	require.NoError(t, err)

	_, err = coord.ReversePayment(ctx, "loan-2", outcome.Entry.ID)
	assert.ErrorIs(t, err, lending.ErrValidation)
}
