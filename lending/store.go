/*
store.go - Collaborator contracts the engine persists through

PURPOSE:
  The core consumes persistence through these interfaces; no concrete
  transport or database is implied. The ledger contract is append-only:
  there is no update or delete, corrections are new ESTORNO entries.

IMPLEMENTATIONS:
  - lending/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go:  production SQLite

SEE ALSO:
  - ledger.go: uses LedgerRepository + CapitalSourceAdjuster
  - agreement.go: uses AgreementRepository
*/
package lending

import (
	"context"

	"github.com/shopspring/decimal"
)

// LoanRepository loads and saves loans with their installments.
// Implementations must preserve installment identity across edits.
type LoanRepository interface {
	SaveLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, id LoanID) (*Loan, error)
	ListLoans(ctx context.Context) ([]*Loan, error)
}

// LedgerRepository is the append-only entry log.
// No Update, No Delete. Ever.
type LedgerRepository interface {
	// Append persists an entry. Fails if the idempotency key exists.
	// This is the ONLY write operation.
	Append(ctx context.Context, entry LedgerEntry) error

	// EntriesByLoan returns all entries for a loan, ordered by date.
	EntriesByLoan(ctx context.Context, loanID LoanID) ([]LedgerEntry, error)

	// GetEntry returns a single entry by id.
	GetEntry(ctx context.Context, id EntryID) (LedgerEntry, error)

	// IsReversed reports whether an ESTORNO entry already references id.
	IsReversed(ctx context.Context, id EntryID) (bool, error)

	// Exists checks if an idempotency key was already used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// AgreementRepository persists renegotiation plans. Create writes the
// header and its installment rows as one unit: both succeed or the
// operation fails atomically from the caller's perspective.
type AgreementRepository interface {
	Create(ctx context.Context, agreement *Agreement) error
	GetAgreement(ctx context.Context, id AgreementID) (*Agreement, error)
	AgreementsByLoan(ctx context.Context, loanID LoanID) ([]*Agreement, error)
	UpdateInstallment(ctx context.Context, id AgreementID, inst AgreementInstallment) error
	UpdateStatus(ctx context.Context, id AgreementID, status AgreementStatus) error
}

// CapitalSourceAdjuster applies a signed delta to a source balance.
// AdjustBalance must be an atomic increment at the storage layer, not
// a read-modify-write from application memory, so concurrent loans
// sharing a source never lose updates. It is executed once per cash
// event and is not idempotency-aware.
type CapitalSourceAdjuster interface {
	AdjustBalance(ctx context.Context, id SourceID, delta decimal.Decimal) error
}

// CapitalSourceRepository extends the adjuster with CRUD-lite access.
type CapitalSourceRepository interface {
	CapitalSourceAdjuster
	SaveSource(ctx context.Context, source *CapitalSource) error
	GetSource(ctx context.Context, id SourceID) (*CapitalSource, error)
	ListSources(ctx context.Context) ([]*CapitalSource, error)
}
