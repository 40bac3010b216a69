package lending_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crediario/lending-engine/lending"
	"github.com/crediario/lending-engine/lending/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*lending.LedgerService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := lending.FixedClock{At: date(2025, time.April, 10)}
	svc := lending.NewLedgerService(mem, mem, clock)

	err := mem.SaveSource(context.Background(), &lending.CapitalSource{
		ID:      "caixa",
		Name:    "Caixa",
		Type:    lending.SourceCash,
		Balance: dec("5000"),
	})
	require.NoError(t, err)
	return svc, mem
}

func sourceBalance(t *testing.T, mem *store.Memory, id lending.SourceID) decimal.Decimal {
	t.Helper()
	src, err := mem.GetSource(context.Background(), id)
	require.NoError(t, err)
	return src.Balance
}

func paymentEntry(amount, principal, interest, fee string) lending.LedgerEntry {
	return lending.LedgerEntry{
		LoanID:         "loan-1",
		SourceID:       "caixa",
		InstallmentID:  "inst-1",
		Type:           lending.EntryPayment,
		Amount:         dec(amount),
		PrincipalDelta: dec(principal),
		InterestDelta:  dec(interest),
		LateFeeDelta:   dec(fee),
	}
}

// =============================================================================
// POSTING
// =============================================================================

func TestLedgerService_Post_PaymentFlowsIntoSource(t *testing.T) {
	svc, mem := newTestLedger(t)
	ctx := context.Background()

	posted, err := svc.Post(ctx, paymentEntry("500", "200", "300", "0"))
	require.NoError(t, err)

	assert.NotEmpty(t, posted.ID)
	assert.Equal(t, date(2025, time.April, 10), posted.Date)
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("5500")))

	entries, err := mem.EntriesByLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLedgerService_Post_DisbursementFlowsOutOfSource(t *testing.T) {
	svc, mem := newTestLedger(t)

	_, err := svc.Post(context.Background(), lending.LedgerEntry{
		LoanID:   "loan-1",
		SourceID: "caixa",
		Type:     lending.EntryDisbursement,
		Amount:   dec("1000"),
	})
	require.NoError(t, err)
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("4000")))
}

func TestLedgerService_Post_SourceMayGoNegative(t *testing.T) {
	// Overdrawing a source is a business decision confirmed upstream.
	svc, mem := newTestLedger(t)

	_, err := svc.Post(context.Background(), lending.LedgerEntry{
		LoanID:   "loan-1",
		SourceID: "caixa",
		Type:     lending.EntryLendMore,
		Amount:   dec("7000"),
	})
	require.NoError(t, err)
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("-2000")))
}

func TestLedgerService_Post_SignValidation(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		entry lending.LedgerEntry
	}{
		{"zero payment", lending.LedgerEntry{LoanID: "l", SourceID: "caixa", Type: lending.EntryPayment, Amount: decimal.Zero}},
		{"negative disbursement", lending.LedgerEntry{LoanID: "l", SourceID: "caixa", Type: lending.EntryDisbursement, Amount: dec("-10")}},
		{"audit with cash", lending.LedgerEntry{LoanID: "l", SourceID: "caixa", Type: lending.EntryAudit, Amount: dec("1")}},
		{"unknown type", lending.LedgerEntry{LoanID: "l", SourceID: "caixa", Type: "TRANSFERENCIA", Amount: dec("1")}},
		{"missing loan", lending.LedgerEntry{SourceID: "caixa", Type: lending.EntryPayment, Amount: dec("1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Post(ctx, tc.entry)
			assert.ErrorIs(t, err, lending.ErrValidation)
		})
	}
}

func TestLedgerService_Post_DuplicateIdempotencyKeyRejected(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	first := paymentEntry("100", "100", "0", "0")
	first.IdempotencyKey = "pay-2025-04-10-1"
	_, err := svc.Post(ctx, first)
	require.NoError(t, err)

	second := paymentEntry("100", "100", "0", "0")
	second.IdempotencyKey = "pay-2025-04-10-1"
	_, err = svc.Post(ctx, second)
	assert.ErrorIs(t, err, lending.ErrDuplicateIdempotencyKey)
	assert.ErrorIs(t, err, lending.ErrLedgerAppend)
}

// =============================================================================
// REVERSAL (ESTORNO)
// =============================================================================

func testLoanWithPaidInstallment() *lending.Loan {
	return &lending.Loan{
		ID:       "loan-1",
		SourceID: "caixa",
		Policy: lending.LoanPolicy{
			Principal:    dec("1000"),
			InterestRate: dec("30"),
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
			PrincipalRemaining: dec("800"),
			InterestRemaining:  dec("0"),
			PaidPrincipal:      dec("200"),
			PaidInterest:       dec("300"),
			PaidLateFee:        dec("0"),
			Status:             lending.InstallmentPartial,
		}},
		Status: lending.LoanActive,
	}
}

func TestLedgerService_Reverse_RoundTripRestoresInstallment(t *testing.T) {
	// GIVEN: a posted payment of 500 (200 principal + 300 interest)
	// WHEN: reversing it
	// THEN: paid totals return to their pre-payment values, the ledger
	//       holds original + ESTORNO, and their deltas sum to zero

	svc, mem := newTestLedger(t)
	ctx := context.Background()
	loan := testLoanWithPaidInstallment()

	posted, err := svc.Post(ctx, paymentEntry("500", "200", "300", "0"))
	require.NoError(t, err)
	require.True(t, sourceBalance(t, mem, "caixa").Equal(dec("5500")))

	estorno, err := svc.Reverse(ctx, posted, loan)
	require.NoError(t, err)

	inst := loan.Installments[0]
	assert.True(t, inst.PrincipalRemaining.Equal(dec("1000")))
	assert.True(t, inst.InterestRemaining.Equal(dec("300")))
	assert.True(t, inst.PaidPrincipal.IsZero())
	assert.True(t, inst.PaidInterest.IsZero())
	assert.Equal(t, lending.InstallmentPending, inst.Status)

	assert.Equal(t, lending.EntryEstorno, estorno.Type)
	assert.Equal(t, posted.ID, estorno.ReversesID)
	assert.True(t, sourceBalance(t, mem, "caixa").Equal(dec("5000")), "source compensated")

	entries, err := mem.EntriesByLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, entries, 2, "original stays on the ledger")

	sumP, sumI, sumF := decimal.Zero, decimal.Zero, decimal.Zero
	for _, e := range entries {
		sumP = sumP.Add(e.PrincipalDelta)
		sumI = sumI.Add(e.InterestDelta)
		sumF = sumF.Add(e.LateFeeDelta)
	}
	assert.True(t, sumP.IsZero() && sumI.IsZero() && sumF.IsZero())
}

func TestLedgerService_Reverse_ReopensPaidInstallment(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	loan := testLoanWithPaidInstallment()
	loan.Installments[0].PrincipalRemaining = decimal.Zero
	loan.Installments[0].PaidPrincipal = dec("1000")
	loan.Installments[0].Status = lending.InstallmentPaid

	posted, err := svc.Post(ctx, paymentEntry("800", "800", "0", "0"))
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, posted, loan)
	require.NoError(t, err)

	inst := loan.Installments[0]
	assert.Equal(t, lending.InstallmentPartial, inst.Status, "partially paid after reopen")
	assert.True(t, inst.PrincipalRemaining.Equal(dec("800")))
}

func TestLedgerService_Reverse_RestoresAccruedLateFee(t *testing.T) {
	// GIVEN: an installment whose 100 fine was settled by the payment
	// WHEN: reversing that payment
	// THEN: the fine is owed again, not forgotten

	svc, _ := newTestLedger(t)
	ctx := context.Background()

	loan := testLoanWithPaidInstallment()
	loan.Installments[0].PaidLateFee = dec("100")
	loan.Installments[0].LateFeeAccrued = decimal.Zero

	posted, err := svc.Post(ctx, paymentEntry("400", "0", "300", "100"))
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, posted, loan)
	require.NoError(t, err)

	inst := loan.Installments[0]
	assert.True(t, inst.PaidLateFee.IsZero())
	assert.True(t, inst.LateFeeAccrued.Equal(dec("100")), "reversed fine must be owed again, got %s", inst.LateFeeAccrued)
	assert.True(t, inst.InterestRemaining.Equal(dec("300")))
}

func TestLedgerService_Reverse_OnlyPaymentLikeEntries(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()
	loan := testLoanWithPaidInstallment()

	audit := lending.LedgerEntry{ID: "aud-1", LoanID: "loan-1", SourceID: "caixa", Type: lending.EntryAudit}
	_, err := svc.Reverse(ctx, audit, loan)
	assert.ErrorIs(t, err, lending.ErrReversalNotAllowed)

	diff := lending.LedgerEntry{ID: "sys-1", LoanID: "loan-1", SourceID: "caixa", Type: lending.EntryPayment, Amount: dec("10"), Notes: "~juros: 30 -> 25"}
	_, err = svc.Reverse(ctx, diff, loan)
	assert.ErrorIs(t, err, lending.ErrReversalNotAllowed, "structured diff notes are history, not cash")
}

func TestLedgerService_Reverse_TwiceRejected(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()
	loan := testLoanWithPaidInstallment()

	posted, err := svc.Post(ctx, paymentEntry("100", "100", "0", "0"))
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, posted, loan)
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, posted, loan)
	assert.ErrorIs(t, err, lending.ErrReversalNotAllowed)

	var rerr *lending.ReversalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "already reversed", rerr.Reason)
}

func TestReversible(t *testing.T) {
	cases := []struct {
		entry lending.LedgerEntry
		want  bool
	}{
		{lending.LedgerEntry{Type: lending.EntryPayment}, true},
		{lending.LedgerEntry{Type: lending.EntryAgreementPayment}, true},
		{lending.LedgerEntry{Type: lending.EntryLendMore}, true},
		{lending.LedgerEntry{Type: lending.EntryNovoAporte}, true},
		{lending.LedgerEntry{Type: lending.EntryAudit}, false},
		{lending.LedgerEntry{Type: lending.EntrySistema}, false},
		{lending.LedgerEntry{Type: lending.EntryAdjustment}, false},
		{lending.LedgerEntry{Type: lending.EntryDisbursement}, false},
		{lending.LedgerEntry{Type: lending.EntryPayment, Notes: "~prazo: 30 -> 45"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, lending.Reversible(tc.entry), "type %s notes %q", tc.entry.Type, tc.entry.Notes)
	}
}
