/*
Package lending provides the core micro-lending computation engine.

PURPOSE:
  This package contains the domain types and algorithms that keep a
  loan's money state correct: the modality-dispatched due-amount
  calculator, the installment schedule generator, the append-only
  ledger with compensating reversals, and the agreement (renegotiation)
  state machine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan/Installment: A loan's commercial terms and its payment schedule
  - LedgerEntry: An immutable record of a cash event
  - Agreement: A renegotiated payment plan for a defaulted loan
  - CapitalSource: The pool of funds cash moves in and out of
  - DueAmount: The computed breakdown of what is owed right now

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing loan/entry IDs
  4. Determinism: All day-based accrual takes an injected Clock

SEE ALSO:
  - modality.go: Due-amount strategies and the billing-cycle dispatcher
  - schedule.go: Installment schedule generation
  - ledger.go: Ledger posting and reversal
  - agreement.go: Renegotiation state machine
*/
package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type InstallmentID string
type EntryID string
type AgreementID string
type SourceID string

// =============================================================================
// BILLING CYCLE (modality)
// =============================================================================

// BillingCycle tags the interest/fee regime governing a loan.
type BillingCycle string

const (
	// CycleMonthly is the "Giro" baseline: flat interest per period,
	// a one-time late fee once the due date is missed. Also the
	// fallback for legacy or unknown tags.
	CycleMonthly BillingCycle = "MONTHLY"

	// CycleDailyFree accrues interest every calendar day of lateness;
	// the interest is the penalty, there is no separate fine.
	CycleDailyFree BillingCycle = "DAILY_FREE"

	// CycleDailyFixedTerm accrues interest per day since the loan's
	// START date plus a one-time fine once the installment is past due.
	CycleDailyFixedTerm BillingCycle = "DAILY_FIXED_TERM"
)

// =============================================================================
// LOAN
// =============================================================================

// LoanPolicy is the immutable commercial-terms snapshot the calculators
// work from. Rates are percentages (30 means 30%).
type LoanPolicy struct {
	Principal            decimal.Decimal
	InterestRate         decimal.Decimal // per period (monthly basis)
	FinePercent          decimal.Decimal // one-time late fee, % of principal remaining
	DailyInterestPercent decimal.Decimal // optional per-day override; zero = derive from InterestRate/30
	BillingCycle         BillingCycle
	StartDate            time.Time
	SkipWeekends         bool
	Installments         int // number of installments (>= 1)
	FixedDurationDays    int // DAILY_FIXED_TERM: total term in days
}

type LoanStatus string

const (
	LoanActive   LoanStatus = "ACTIVE"
	LoanArchived LoanStatus = "ARCHIVED" // closed loans are archived, never deleted
)

// Loan aggregates the policy, the installment schedule and the active
// renegotiation, if any.
//
// INVARIANTS:
//   - Sum of installments' PrincipalRemaining equals the loan's unpaid principal.
//   - At most one Agreement is ACTIVE at a time.
type Loan struct {
	ID              LoanID
	Borrower        string
	SourceID        SourceID
	Policy          LoanPolicy
	Installments    []Installment
	ActiveAgreement *AgreementID
	Status          LoanStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OldestUnpaid returns the first installment that is not PAID, in
// sequence order, or nil when the loan is settled.
func (l *Loan) OldestUnpaid() *Installment {
	for i := range l.Installments {
		if l.Installments[i].Status != InstallmentPaid {
			return &l.Installments[i]
		}
	}
	return nil
}

// InstallmentByID returns the installment with the given id, or nil.
func (l *Loan) InstallmentByID(id InstallmentID) *Installment {
	for i := range l.Installments {
		if l.Installments[i].ID == id {
			return &l.Installments[i]
		}
	}
	return nil
}

// PrincipalRemaining sums the unpaid principal across all installments.
func (l *Loan) PrincipalRemaining() decimal.Decimal {
	total := decimal.Zero
	for i := range l.Installments {
		total = total.Add(l.Installments[i].PrincipalRemaining)
	}
	return total
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPartial InstallmentStatus = "PARTIAL"
	InstallmentPaid    InstallmentStatus = "PAID"
	InstallmentLate    InstallmentStatus = "LATE"
)

// Installment is one row of a loan's payment schedule. It is created by
// the schedule generator and mutated only by payment application; once
// PAID it is immutable except for a compensating reversal that reopens it.
type Installment struct {
	ID       InstallmentID
	Sequence int
	DueDate  time.Time

	ScheduledPrincipal decimal.Decimal
	ScheduledInterest  decimal.Decimal

	PrincipalRemaining decimal.Decimal
	InterestRemaining  decimal.Decimal
	LateFeeAccrued     decimal.Decimal

	PaidPrincipal decimal.Decimal
	PaidInterest  decimal.Decimal
	PaidLateFee   decimal.Decimal

	// AccruedThrough marks the day up to which daily interest has been
	// capitalized into InterestRemaining. Zero means no accrual has been
	// billed yet; strategies never re-accrue days at or before it.
	AccruedThrough time.Time

	Status InstallmentStatus
}

// Settled reports whether nothing remains on the installment (within
// the monetary tolerance).
func (i *Installment) Settled() bool {
	outstanding := i.PrincipalRemaining.Add(i.InterestRemaining)
	return outstanding.LessThanOrEqual(Tolerance)
}

// =============================================================================
// LEDGER ENTRY - Atomic record of a cash event
// =============================================================================

type EntryType string

const (
	EntryDisbursement     EntryType = "DISBURSEMENT"      // initial hand-over of principal
	EntryPayment          EntryType = "PAYMENT"           // installment payment received
	EntryLendMore         EntryType = "LEND_MORE"         // additional principal on an open loan
	EntryNovoAporte       EntryType = "NOVO_APORTE"       // fresh capital contribution
	EntryAdjustment       EntryType = "ADJUSTMENT"        // manual correction (signed)
	EntryEstorno          EntryType = "ESTORNO"           // compensating reversal of a prior entry
	EntryAgreementPayment EntryType = "AGREEMENT_PAYMENT" // payment on a renegotiated plan
	EntryAudit            EntryType = "AUDIT"             // audit note, moves no cash
	EntrySistema          EntryType = "SISTEMA"           // system-generated note, moves no cash
)

// LedgerEntry records one cash event against a loan and a capital
// source. Entries are append-only: a mistake is corrected by an ESTORNO
// entry of opposite effect that references the original via ReversesID.
//
// Amount is the cash moved. For all types except ADJUSTMENT and ESTORNO
// it is positive and the direction is derived from the type; ADJUSTMENT
// and ESTORNO carry a signed amount (the source-balance delta).
type LedgerEntry struct {
	ID            EntryID
	LoanID        LoanID
	SourceID      SourceID
	InstallmentID InstallmentID // optional
	AgreementID   AgreementID   // optional
	Type          EntryType
	Date          time.Time
	Amount        decimal.Decimal

	// Settlement breakdown of Amount (what the cash paid off).
	PrincipalDelta decimal.Decimal
	InterestDelta  decimal.Decimal
	LateFeeDelta   decimal.Decimal

	ReversesID     EntryID // set on ESTORNO entries
	Notes          string
	Category       string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// DUE AMOUNT - Computed debt breakdown as of a given date
// =============================================================================

type DueAmount struct {
	Total       decimal.Decimal
	Principal   decimal.Decimal
	Interest    decimal.Decimal
	LateFee     decimal.Decimal
	BaseForFine decimal.Decimal
	DaysLate    int
}

// =============================================================================
// AGREEMENT - Renegotiated payment plan
// =============================================================================

type AgreementStatus string

const (
	AgreementActive AgreementStatus = "ACTIVE"
	AgreementPaid   AgreementStatus = "PAID"
	AgreementBroken AgreementStatus = "BROKEN"
)

type AgreementFrequency string

const (
	FrequencyWeekly   AgreementFrequency = "WEEKLY"
	FrequencyBiweekly AgreementFrequency = "BIWEEKLY"
	FrequencyMonthly  AgreementFrequency = "MONTHLY"
)

// Agreement converts a delinquent loan's total debt into a new fixed
// installment plan. While ACTIVE it owns due-amount tracking for that
// debt; on PAID the original loan's installments are settled for
// consistency; on BROKEN the original installments become the debt of
// record again.
type Agreement struct {
	ID                     AgreementID
	LoanID                 LoanID
	TotalDebtAtNegotiation decimal.Decimal
	NegotiatedTotal        decimal.Decimal
	InterestRate           decimal.Decimal
	InstallmentsCount      int
	Frequency              AgreementFrequency
	Status                 AgreementStatus
	Installments           []AgreementInstallment
	CreatedAt              time.Time
}

// AgreementInstallment mirrors Installment's states. PaidAmount is
// monotonically non-decreasing.
type AgreementInstallment struct {
	Number     int
	DueDate    time.Time
	Amount     decimal.Decimal
	PaidAmount decimal.Decimal
	Status     InstallmentStatus
}

// TotalPaid sums PaidAmount across all installments.
func (a *Agreement) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for i := range a.Installments {
		total = total.Add(a.Installments[i].PaidAmount)
	}
	return total
}

// =============================================================================
// CAPITAL SOURCE
// =============================================================================

type SourceType string

const (
	SourceCash SourceType = "CASH"
	SourceBank SourceType = "BANK"
	SourceCard SourceType = "CARD"
)

// CapitalSource is a pool of funds. Balance may go negative: a
// disbursement is allowed to overdraw a source after an explicit
// upstream confirmation. That is a business decision, not a bug.
type CapitalSource struct {
	ID        SourceID
	Name      string
	Type      SourceType
	Balance   decimal.Decimal
	CreatedAt time.Time
}
