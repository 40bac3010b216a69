/*
ledger.go - Ledger posting and compensating reversal

PURPOSE:
  Every cash event - disbursement, payment, adjustment, reversal - is
  recorded as an immutable LedgerEntry tied to a loan and a capital
  source. This is the audit trail of record.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never edited or removed
  2. REVERSAL, NOT DELETION: a mistake is undone by an ESTORNO entry of
     opposite effect referencing the original
  3. SOURCE CONSISTENCY: every entry that moves cash also adjusts the
     capital-source balance

REVERSIBILITY:
  Only payment-like entries (types containing "PAYMENT", LEND_MORE,
  NOVO_APORTE) are reversible. AUDIT and SISTEMA entries, and entries
  whose notes begin with the structured field-diff marker, are history
  the operator must not touch.

CONSISTENCY NOTE:
  Post is not transactional across the ledger and the source balance.
  The two steps run in a fixed order and failures are tagged with
  ErrLedgerAppend / ErrSourceAdjust so the caller can tell exactly how
  far the operation got and compensate.

SEE ALSO:
  - payment.go: the coordinator that drives Post for payments
  - store.go: LedgerRepository / CapitalSourceAdjuster contracts
*/
package lending

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// diffNotePrefix marks system-generated field-diff notes. Entries
// carrying such notes document loan edits and are never reversible.
const diffNotePrefix = "~"

// LedgerService appends entries and applies their cash effect to the
// capital source.
type LedgerService struct {
	Entries LedgerRepository
	Sources CapitalSourceAdjuster
	Clock   Clock
}

func NewLedgerService(entries LedgerRepository, sources CapitalSourceAdjuster, clock Clock) *LedgerService {
	return &LedgerService{Entries: entries, Sources: sources, Clock: clock}
}

// Post validates, appends and applies the entry's cash effect to its
// capital source, in that order. The returned entry has its ID, Date
// and CreatedAt filled in.
func (s *LedgerService) Post(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if err := validateEntry(entry); err != nil {
		return LedgerEntry{}, err
	}

	now := s.Clock.Now()
	if entry.ID == "" {
		entry.ID = EntryID(uuid.NewString())
	}
	if entry.Date.IsZero() {
		entry.Date = DateOnly(now)
	}
	entry.CreatedAt = now

	if err := s.Entries.Append(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("%w: %w", ErrLedgerAppend, err)
	}

	delta := CashDelta(entry)
	if !delta.IsZero() {
		if err := s.Sources.AdjustBalance(ctx, entry.SourceID, delta); err != nil {
			// Entry is already on the ledger; surface the partial state.
			return entry, fmt.Errorf("%w: %w", ErrSourceAdjust, err)
		}
	}
	return entry, nil
}

// Reverse creates a compensating ESTORNO entry for a prior payment-like
// entry, reopens the affected installment's paid totals on the loan,
// and applies the opposite cash effect to the capital source. The
// original entry is never edited or removed.
//
// The loan is mutated in memory; persisting it is the caller's step.
func (s *LedgerService) Reverse(ctx context.Context, original LedgerEntry, loan *Loan) (LedgerEntry, error) {
	if !Reversible(original) {
		return LedgerEntry{}, &ReversalError{EntryID: original.ID, Type: original.Type, Reason: "audit/system entries are not reversible"}
	}
	reversed, err := s.Entries.IsReversed(ctx, original.ID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if reversed {
		return LedgerEntry{}, &ReversalError{EntryID: original.ID, Type: original.Type, Reason: "already reversed"}
	}

	if original.InstallmentID != "" && loan != nil {
		inst := loan.InstallmentByID(original.InstallmentID)
		if inst == nil {
			return LedgerEntry{}, fmt.Errorf("%w: entry %s references installment %s not on loan %s",
				ErrConsistency, original.ID, original.InstallmentID, loan.ID)
		}
		reopenInstallment(inst, original)
	}

	estorno := LedgerEntry{
		LoanID:         original.LoanID,
		SourceID:       original.SourceID,
		InstallmentID:  original.InstallmentID,
		AgreementID:    original.AgreementID,
		Type:           EntryEstorno,
		Amount:         CashDelta(original).Neg(),
		PrincipalDelta: original.PrincipalDelta.Neg(),
		InterestDelta:  original.InterestDelta.Neg(),
		LateFeeDelta:   original.LateFeeDelta.Neg(),
		ReversesID:     original.ID,
		Notes:          fmt.Sprintf("estorno de %s (%s)", original.ID, original.Type),
	}
	return s.Post(ctx, estorno)
}

// reopenInstallment restores the installment's balances to their
// pre-entry values. Reversing a payment on a PAID installment reopens it.
func reopenInstallment(inst *Installment, original LedgerEntry) {
	inst.PrincipalRemaining = inst.PrincipalRemaining.Add(original.PrincipalDelta)
	inst.InterestRemaining = inst.InterestRemaining.Add(original.InterestDelta)
	inst.LateFeeAccrued = inst.LateFeeAccrued.Add(original.LateFeeDelta)
	inst.PaidPrincipal = inst.PaidPrincipal.Sub(original.PrincipalDelta)
	inst.PaidInterest = inst.PaidInterest.Sub(original.InterestDelta)
	inst.PaidLateFee = inst.PaidLateFee.Sub(original.LateFeeDelta)

	totalPaid := inst.PaidPrincipal.Add(inst.PaidInterest).Add(inst.PaidLateFee)
	if totalPaid.IsPositive() {
		inst.Status = InstallmentPartial
	} else {
		inst.Status = InstallmentPending
	}
}

// Reversible reports whether an entry may be compensated by an ESTORNO.
func Reversible(e LedgerEntry) bool {
	if e.Type == EntryAudit || e.Type == EntrySistema {
		return false
	}
	if strings.HasPrefix(e.Notes, diffNotePrefix) {
		return false
	}
	switch e.Type {
	case EntryLendMore, EntryNovoAporte:
		return true
	}
	return strings.Contains(string(e.Type), "PAYMENT")
}

// CashDelta returns the signed effect of an entry on its capital
// source: payments flow in, disbursements flow out, adjustments and
// reversals carry their own sign, notes move nothing.
func CashDelta(e LedgerEntry) decimal.Decimal {
	switch e.Type {
	case EntryPayment, EntryAgreementPayment:
		return e.Amount
	case EntryDisbursement, EntryLendMore, EntryNovoAporte:
		return e.Amount.Neg()
	case EntryAdjustment, EntryEstorno:
		return e.Amount
	default: // AUDIT, SISTEMA
		return decimal.Zero
	}
}

// validateEntry enforces amount-sign consistency with the entry type.
func validateEntry(e LedgerEntry) error {
	if e.LoanID == "" {
		return &ValidationError{Field: "loanId", Reason: "is required"}
	}
	switch e.Type {
	case EntryPayment, EntryAgreementPayment, EntryDisbursement, EntryLendMore, EntryNovoAporte:
		if !e.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be positive for %s", e.Type)}
		}
	case EntryAudit, EntrySistema:
		if !e.Amount.IsZero() {
			return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be zero for %s", e.Type)}
		}
	case EntryAdjustment, EntryEstorno:
		// Signed; either direction is valid.
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entry type %q", e.Type)}
	}
	return nil
}
