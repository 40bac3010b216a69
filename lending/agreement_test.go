package lending_test

import (
	"context"
	"sync"
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

func newTestAgreementEngine(t *testing.T) (*lending.AgreementEngine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := lending.FixedClock{At: date(2025, time.April, 10)}
	ledger := lending.NewLedgerService(mem, mem, clock)
	engine := lending.NewAgreementEngine(mem, mem, ledger, clock)
	ctx := context.Background()

	require.NoError(t, mem.SaveSource(ctx, &lending.CapitalSource{
		ID: "caixa", Name: "Caixa", Type: lending.SourceCash, Balance: dec("5000"),
	}))
	require.NoError(t, mem.SaveLoan(ctx, overdueLoan()))
	return engine, mem
}

func renegotiate(t *testing.T, engine *lending.AgreementEngine, mem *store.Memory) *lending.Agreement {
	t.Helper()
	ctx := context.Background()
	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)

	agreement, err := engine.CreateAgreement(ctx, loan, lending.AgreementTerms{
		NegotiatedTotal:   dec("300"),
		InstallmentsCount: 3,
		Frequency:         lending.FrequencyWeekly,
	})
	require.NoError(t, err)
	return agreement
}

// =============================================================================
// CREATION
// =============================================================================

func TestAgreementEngine_Create_FreezesDebtAndSplitsPlan(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)

	// Debt as of 2025-04-10: 1000 principal + 300 interest + 100 fine.
	assert.True(t, agreement.TotalDebtAtNegotiation.Equal(dec("1400")))
	assert.Equal(t, lending.AgreementActive, agreement.Status)

	require.Len(t, agreement.Installments, 3)
	for i, inst := range agreement.Installments {
		assert.Equal(t, i+1, inst.Number)
		assert.True(t, inst.Amount.Equal(dec("100")))
		assert.Equal(t, lending.InstallmentPending, inst.Status)
	}
	assert.Equal(t, date(2025, time.April, 17), agreement.Installments[0].DueDate)
	assert.Equal(t, date(2025, time.April, 24), agreement.Installments[1].DueDate)

	loan, err := mem.GetLoan(context.Background(), "loan-1")
	require.NoError(t, err)
	require.NotNil(t, loan.ActiveAgreement)
	assert.Equal(t, agreement.ID, *loan.ActiveAgreement)
}

func TestAgreementEngine_Create_SecondActiveRejected(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	renegotiate(t, engine, mem)
	ctx := context.Background()

	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	_, err = engine.CreateAgreement(ctx, loan, lending.AgreementTerms{
		NegotiatedTotal:   dec("500"),
		InstallmentsCount: 2,
		Frequency:         lending.FrequencyMonthly,
	})
	assert.ErrorIs(t, err, lending.ErrAgreementState)
}

func TestAgreementEngine_Create_ValidatesTerms(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	ctx := context.Background()
	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)

	cases := []struct {
		name  string
		terms lending.AgreementTerms
	}{
		{"zero total", lending.AgreementTerms{NegotiatedTotal: dec("0"), InstallmentsCount: 3, Frequency: lending.FrequencyWeekly}},
		{"zero installments", lending.AgreementTerms{NegotiatedTotal: dec("300"), InstallmentsCount: 0, Frequency: lending.FrequencyWeekly}},
		{"unknown frequency", lending.AgreementTerms{NegotiatedTotal: dec("300"), InstallmentsCount: 3, Frequency: "DIARIO"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, cerr := engine.CreateAgreement(ctx, loan, tc.terms)
			assert.ErrorIs(t, cerr, lending.ErrValidation)
		})
	}
}

// =============================================================================
// SETTLEMENT LIFECYCLE
// =============================================================================

func TestAgreementEngine_ProcessPayment_FullLifecycleToPaid(t *testing.T) {
	// GIVEN: a 300 agreement in 3 weekly installments of 100
	// WHEN: each installment is paid in full
	// THEN: the agreement flips to PAID and the original loan settles

	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)
	ctx := context.Background()

	require.NoError(t, engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa"))
	assert.Equal(t, lending.AgreementActive, agreement.Status)
	assert.Equal(t, lending.InstallmentPaid, agreement.Installments[0].Status)

	require.NoError(t, engine.ProcessPayment(ctx, agreement, 2, dec("100"), "caixa"))
	require.NoError(t, engine.ProcessPayment(ctx, agreement, 3, dec("100"), "caixa"))
	assert.Equal(t, lending.AgreementPaid, agreement.Status)

	stored, err := mem.GetAgreement(ctx, agreement.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.AgreementPaid, stored.Status)

	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Nil(t, loan.ActiveAgreement)
	assert.Equal(t, lending.LoanArchived, loan.Status)
	for _, inst := range loan.Installments {
		assert.Equal(t, lending.InstallmentPaid, inst.Status)
		assert.True(t, inst.PrincipalRemaining.IsZero())
	}

	entries, err := mem.EntriesByLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3, "agreement payments land on the loan's ledger")
	for _, e := range entries {
		assert.Equal(t, lending.EntryAgreementPayment, e.Type)
		assert.Equal(t, agreement.ID, e.AgreementID)
	}
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("5300")))
}

func TestAgreementEngine_ProcessPayment_ToleranceClosesLastInstallment(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)
	ctx := context.Background()

	require.NoError(t, engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa"))
	require.NoError(t, engine.ProcessPayment(ctx, agreement, 2, dec("100"), "caixa"))
	require.NoError(t, engine.ProcessPayment(ctx, agreement, 3, dec("99.92"), "caixa"))

	assert.Equal(t, lending.AgreementPaid, agreement.Status, "8 centavos short still settles")
}

func TestAgreementEngine_ProcessPayment_PartialStaysActive(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)

	require.NoError(t, engine.ProcessPayment(context.Background(), agreement, 1, dec("40"), "caixa"))
	assert.Equal(t, lending.InstallmentPartial, agreement.Installments[0].Status)
	assert.Equal(t, lending.AgreementActive, agreement.Status)
	assert.True(t, agreement.TotalPaid().Equal(dec("40")))
}

func TestAgreementEngine_ProcessPayment_RejectedOnTerminalStates(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)
	ctx := context.Background()

	require.NoError(t, engine.BreakAgreement(ctx, agreement))
	err := engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa")
	assert.ErrorIs(t, err, lending.ErrAgreementState)

	var serr *lending.AgreementStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, lending.AgreementBroken, serr.Status)
}

func TestAgreementEngine_ProcessPayment_SettledInstallmentRejected(t *testing.T) {
	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)
	ctx := context.Background()

	require.NoError(t, engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa"))
	err := engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa")
	assert.ErrorIs(t, err, lending.ErrAgreementState)
}

func TestAgreementEngine_ProcessPayment_ConcurrentPaymentsSerialize(t *testing.T) {
	// GIVEN: two callers racing to settle the same installment in full
	// WHEN: both payments run concurrently
	// THEN: exactly one succeeds and the other is rejected as settled,
	//       with a single ledger entry and a single 100 recorded

	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa")
		}()
	}
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, lending.ErrAgreementState)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one payment must lose the race")

	assert.True(t, agreement.Installments[0].PaidAmount.Equal(dec("100")))
	entries, err := mem.EntriesByLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// BREAKING
// =============================================================================

func TestAgreementEngine_Break_RestoresLoanAndKeepsHistory(t *testing.T) {
	// GIVEN: an agreement with one of three installments paid
	// WHEN: the operator breaks it
	// THEN: the loan's own installments are the debt of record again
	//       and the recorded payment stays in the ledger

	engine, mem := newTestAgreementEngine(t)
	agreement := renegotiate(t, engine, mem)
	ctx := context.Background()

	require.NoError(t, engine.ProcessPayment(ctx, agreement, 1, dec("100"), "caixa"))
	require.NoError(t, engine.BreakAgreement(ctx, agreement))

	assert.Equal(t, lending.AgreementBroken, agreement.Status)

	loan, err := mem.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Nil(t, loan.ActiveAgreement)
	assert.Equal(t, lending.LoanActive, loan.Status)
	assert.True(t, loan.Installments[0].PrincipalRemaining.Equal(dec("1000")), "original debt untouched")

	entries, err := mem.EntriesByLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "payment history survives the break")
	assert.Equal(t, lending.EntryAgreementPayment, entries[0].Type)

	err = engine.BreakAgreement(ctx, agreement)
	assert.ErrorIs(t, err, lending.ErrAgreementState, "break is not repeatable")
}
