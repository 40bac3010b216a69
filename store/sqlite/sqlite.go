/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (LoanRepository, LedgerRepository,
  AgreementRepository, CapitalSourceRepository) using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is insert-only:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections via ESTORNO entries only

KEY TABLES:
  loans:                  Loan headers with their policy terms
  installments:           Schedule rows and running balances per loan
  ledger_entries:         Immutable record of every cash event
  agreements:             Renegotiation plan headers
  agreement_installments: Plan rows with paid amounts
  capital_sources:        Funding pools with running balances

MONEY:
  Decimal amounts are stored as TEXT and parsed with shopspring/decimal.
  REAL columns would reintroduce the float drift the engine exists to
  avoid. The one exception is capital_sources.balance_cents, stored as
  INTEGER centavos so the balance can move through a single relative
  UPDATE (balance_cents = balance_cents + ?) and concurrent adjustments
  never lose writes.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/crediario.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := lending.NewLedgerService(store, store, lending.SystemClock{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - lending/store.go: Interface definitions
  - lending/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/crediario/lending-engine/lending"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Loans (header + policy terms)
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower_name TEXT NOT NULL,
		source_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		fine_percent TEXT NOT NULL,
		daily_interest_percent TEXT NOT NULL,
		billing_cycle TEXT NOT NULL,
		start_date TEXT NOT NULL,
		skip_weekends BOOLEAN DEFAULT FALSE,
		installments_count INTEGER NOT NULL,
		fixed_duration_days INTEGER DEFAULT 0,
		active_agreement_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE INDEX IF NOT EXISTS idx_loans_source ON loans(source_id);

	-- Installments (schedule rows with running balances)
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		scheduled_principal TEXT NOT NULL,
		scheduled_interest TEXT NOT NULL,
		principal_remaining TEXT NOT NULL,
		interest_remaining TEXT NOT NULL,
		late_fee_accrued TEXT NOT NULL,
		paid_principal TEXT NOT NULL,
		paid_interest TEXT NOT NULL,
		paid_late_fee TEXT NOT NULL,
		accrued_through TEXT,
		status TEXT NOT NULL,
		UNIQUE(loan_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_installments_loan
		ON installments(loan_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_installments_open_due
		ON installments(due_date) WHERE status != 'PAID';

	-- Ledger entries (append-only; corrections via ESTORNO rows)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		installment_id TEXT,
		agreement_id TEXT,
		type TEXT NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		principal_delta TEXT NOT NULL,
		interest_delta TEXT NOT NULL,
		late_fee_delta TEXT NOT NULL,
		reverses_id TEXT,
		notes TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_loan_date
		ON ledger_entries(loan_id, date, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_type
		ON ledger_entries(type);

	-- CRITICAL: one ESTORNO per original entry, enforced at the schema
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reverses
		ON ledger_entries(reverses_id) WHERE reverses_id IS NOT NULL;

	-- Agreements (renegotiation plans)
	CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		total_debt_at_negotiation TEXT NOT NULL,
		negotiated_total TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		installments_count INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agreements_loan ON agreements(loan_id);
	CREATE INDEX IF NOT EXISTS idx_agreements_status ON agreements(status);

	CREATE TABLE IF NOT EXISTS agreement_installments (
		agreement_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (agreement_id, number)
	);

	-- Capital sources (funding pools; balance in integer centavos)
	CREATE TABLE IF NOT EXISTS capital_sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		balance_cents INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOAN REPOSITORY
// =============================================================================

// SaveLoan upserts the loan header and its installment rows as one
// transaction.
func (s *Store) SaveLoan(ctx context.Context, loan *lending.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO loans
		(id, borrower_name, source_id, principal, interest_rate, fine_percent,
		 daily_interest_percent, billing_cycle, start_date, skip_weekends,
		 installments_count, fixed_duration_days, active_agreement_id, status,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			borrower_name = excluded.borrower_name,
			source_id = excluded.source_id,
			principal = excluded.principal,
			interest_rate = excluded.interest_rate,
			fine_percent = excluded.fine_percent,
			daily_interest_percent = excluded.daily_interest_percent,
			billing_cycle = excluded.billing_cycle,
			start_date = excluded.start_date,
			skip_weekends = excluded.skip_weekends,
			installments_count = excluded.installments_count,
			fixed_duration_days = excluded.fixed_duration_days,
			active_agreement_id = excluded.active_agreement_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	var agreementID *string
	if loan.ActiveAgreement != nil {
		id := string(*loan.ActiveAgreement)
		agreementID = &id
	}

	_, err = tx.ExecContext(ctx, query,
		loan.ID, loan.Borrower, loan.SourceID,
		loan.Policy.Principal.String(),
		loan.Policy.InterestRate.String(),
		loan.Policy.FinePercent.String(),
		loan.Policy.DailyInterestPercent.String(),
		loan.Policy.BillingCycle,
		loan.Policy.StartDate.Format(time.RFC3339),
		loan.Policy.SkipWeekends,
		loan.Policy.Installments,
		loan.Policy.FixedDurationDays,
		agreementID,
		loan.Status,
		loan.CreatedAt.UTC().Format(time.RFC3339),
		loan.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}

	// Schedule edits replace the rows; a shrunk schedule must not leave
	// stale installments behind.
	if _, err := tx.ExecContext(ctx, "DELETE FROM installments WHERE loan_id = ?", loan.ID); err != nil {
		return fmt.Errorf("failed to clear installments: %w", err)
	}
	instQuery := `
		INSERT INTO installments
		(id, loan_id, sequence, due_date, scheduled_principal, scheduled_interest,
		 principal_remaining, interest_remaining, late_fee_accrued,
		 paid_principal, paid_interest, paid_late_fee, accrued_through, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, inst := range loan.Installments {
		var accruedThrough *string
		if !inst.AccruedThrough.IsZero() {
			v := inst.AccruedThrough.Format(time.RFC3339)
			accruedThrough = &v
		}
		_, err := tx.ExecContext(ctx, instQuery,
			inst.ID, loan.ID, inst.Sequence,
			inst.DueDate.Format(time.RFC3339),
			inst.ScheduledPrincipal.String(),
			inst.ScheduledInterest.String(),
			inst.PrincipalRemaining.String(),
			inst.InterestRemaining.String(),
			inst.LateFeeAccrued.String(),
			inst.PaidPrincipal.String(),
			inst.PaidInterest.String(),
			inst.PaidLateFee.String(),
			accruedThrough,
			inst.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to save installment %s: %w", inst.ID, err)
		}
	}

	return tx.Commit()
}

// GetLoan retrieves a loan with its installments.
func (s *Store) GetLoan(ctx context.Context, id lending.LoanID) (*lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, borrower_name, source_id, principal, interest_rate, fine_percent,
		       daily_interest_percent, billing_cycle, start_date, skip_weekends,
		       installments_count, fixed_duration_days, active_agreement_id, status,
		       created_at, updated_at
		FROM loans WHERE id = ?
	`, id)

	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, lending.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	loan.Installments, err = s.loadInstallments(ctx, loan.ID)
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ListLoans returns all loans with their installments.
func (s *Store) ListLoans(ctx context.Context) ([]*lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, borrower_name, source_id, principal, interest_rate, fine_percent,
		       daily_interest_percent, billing_cycle, start_date, skip_weekends,
		       installments_count, fixed_duration_days, active_agreement_id, status,
		       created_at, updated_at
		FROM loans ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []*lending.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, loan := range loans {
		loan.Installments, err = s.loadInstallments(ctx, loan.ID)
		if err != nil {
			return nil, err
		}
	}
	return loans, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*lending.Loan, error) {
	var (
		loan                 lending.Loan
		principal, rate      string
		fine, dailyRate      string
		startDate            string
		agreementID          sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(
		&loan.ID, &loan.Borrower, &loan.SourceID,
		&principal, &rate, &fine, &dailyRate,
		&loan.Policy.BillingCycle, &startDate, &loan.Policy.SkipWeekends,
		&loan.Policy.Installments, &loan.Policy.FixedDurationDays,
		&agreementID, &loan.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if loan.Policy.Principal, err = parseDec(principal); err != nil {
		return nil, err
	}
	if loan.Policy.InterestRate, err = parseDec(rate); err != nil {
		return nil, err
	}
	if loan.Policy.FinePercent, err = parseDec(fine); err != nil {
		return nil, err
	}
	if loan.Policy.DailyInterestPercent, err = parseDec(dailyRate); err != nil {
		return nil, err
	}
	loan.Policy.StartDate, _ = time.Parse(time.RFC3339, startDate)
	loan.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	loan.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if agreementID.Valid {
		id := lending.AgreementID(agreementID.String)
		loan.ActiveAgreement = &id
	}
	return &loan, nil
}

func (s *Store) loadInstallments(ctx context.Context, loanID lending.LoanID) ([]lending.Installment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, due_date, scheduled_principal, scheduled_interest,
		       principal_remaining, interest_remaining, late_fee_accrued,
		       paid_principal, paid_interest, paid_late_fee, accrued_through, status
		FROM installments
		WHERE loan_id = ?
		ORDER BY sequence ASC
	`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []lending.Installment
	for rows.Next() {
		var (
			inst           lending.Installment
			dueDate        string
			accruedThrough sql.NullString
			decs           [8]string
		)
		err := rows.Scan(&inst.ID, &inst.Sequence, &dueDate,
			&decs[0], &decs[1], &decs[2], &decs[3], &decs[4], &decs[5], &decs[6], &decs[7],
			&accruedThrough, &inst.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}

		inst.DueDate, _ = time.Parse(time.RFC3339, dueDate)
		if accruedThrough.Valid {
			inst.AccruedThrough, _ = time.Parse(time.RFC3339, accruedThrough.String)
		}
		fields := []*decimal.Decimal{
			&inst.ScheduledPrincipal, &inst.ScheduledInterest,
			&inst.PrincipalRemaining, &inst.InterestRemaining, &inst.LateFeeAccrued,
			&inst.PaidPrincipal, &inst.PaidInterest, &inst.PaidLateFee,
		}
		for i, f := range fields {
			if *f, err = parseDec(decs[i]); err != nil {
				return nil, err
			}
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

// =============================================================================
// LEDGER REPOSITORY - append-only
// =============================================================================

// Append inserts a ledger entry. There is no update or delete path for
// ledger_entries anywhere in this package.
func (s *Store) Append(ctx context.Context, entry lending.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO ledger_entries
		(id, loan_id, source_id, installment_id, agreement_id, type, date,
		 amount, principal_delta, interest_delta, late_fee_delta,
		 reverses_id, notes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.LoanID, entry.SourceID,
		nullString(string(entry.InstallmentID)),
		nullString(string(entry.AgreementID)),
		entry.Type,
		entry.Date.Format(time.RFC3339),
		entry.Amount.String(),
		entry.PrincipalDelta.String(),
		entry.InterestDelta.String(),
		entry.LateFeeDelta.String(),
		nullString(string(entry.ReversesID)),
		entry.Notes,
		nullString(entry.IdempotencyKey),
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idx_ledger_reverses") {
				return &lending.ReversalError{EntryID: entry.ReversesID, Type: entry.Type, Reason: "already reversed"}
			}
			return lending.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// EntriesByLoan returns the loan's ledger in date order.
func (s *Store) EntriesByLoan(ctx context.Context, loanID lending.LoanID) ([]lending.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, source_id, installment_id, agreement_id, type, date,
		       amount, principal_delta, interest_delta, late_fee_delta,
		       reverses_id, notes, idempotency_key, created_at
		FROM ledger_entries
		WHERE loan_id = ?
		ORDER BY date ASC, created_at ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []lending.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetEntry retrieves one ledger entry by ID.
func (s *Store) GetEntry(ctx context.Context, id lending.EntryID) (lending.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, loan_id, source_id, installment_id, agreement_id, type, date,
		       amount, principal_delta, interest_delta, late_fee_delta,
		       reverses_id, notes, idempotency_key, created_at
		FROM ledger_entries WHERE id = ?
	`, id)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return lending.LedgerEntry{}, lending.ErrNotFound
	}
	return entry, err
}

// IsReversed reports whether an ESTORNO already references the entry.
func (s *Store) IsReversed(ctx context.Context, id lending.EntryID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE reverses_id = ?",
		id,
	).Scan(&count)
	return count > 0, err
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func scanEntry(row rowScanner) (lending.LedgerEntry, error) {
	var (
		entry                               lending.LedgerEntry
		installmentID, agreementID          sql.NullString
		reversesID, idempotency             sql.NullString
		date, createdAt                     string
		amount, principalD, interestD, feeD string
	)

	err := row.Scan(
		&entry.ID, &entry.LoanID, &entry.SourceID,
		&installmentID, &agreementID, &entry.Type, &date,
		&amount, &principalD, &interestD, &feeD,
		&reversesID, &entry.Notes, &idempotency, &createdAt,
	)
	if err != nil {
		return entry, err
	}

	entry.InstallmentID = lending.InstallmentID(installmentID.String)
	entry.AgreementID = lending.AgreementID(agreementID.String)
	entry.ReversesID = lending.EntryID(reversesID.String)
	entry.IdempotencyKey = idempotency.String
	entry.Date, _ = time.Parse(time.RFC3339, date)
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if entry.Amount, err = parseDec(amount); err != nil {
		return entry, err
	}
	if entry.PrincipalDelta, err = parseDec(principalD); err != nil {
		return entry, err
	}
	if entry.InterestDelta, err = parseDec(interestD); err != nil {
		return entry, err
	}
	entry.LateFeeDelta, err = parseDec(feeD)
	return entry, err
}

// =============================================================================
// AGREEMENT REPOSITORY
// =============================================================================

// Create persists the agreement header and its installment rows as one
// transaction.
func (s *Store) Create(ctx context.Context, agreement *lending.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agreements
		(id, loan_id, total_debt_at_negotiation, negotiated_total, interest_rate,
		 installments_count, frequency, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agreement.ID, agreement.LoanID,
		agreement.TotalDebtAtNegotiation.String(),
		agreement.NegotiatedTotal.String(),
		agreement.InterestRate.String(),
		agreement.InstallmentsCount,
		agreement.Frequency,
		agreement.Status,
		agreement.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save agreement: %w", err)
	}

	for _, inst := range agreement.Installments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agreement_installments
			(agreement_id, number, due_date, amount, paid_amount, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			agreement.ID, inst.Number,
			inst.DueDate.Format(time.RFC3339),
			inst.Amount.String(),
			inst.PaidAmount.String(),
			inst.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to save agreement installment %d: %w", inst.Number, err)
		}
	}

	return tx.Commit()
}

// GetAgreement retrieves an agreement with its installments.
func (s *Store) GetAgreement(ctx context.Context, id lending.AgreementID) (*lending.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, loan_id, total_debt_at_negotiation, negotiated_total, interest_rate,
		       installments_count, frequency, status, created_at
		FROM agreements WHERE id = ?
	`, id)

	agreement, err := scanAgreement(row)
	if err == sql.ErrNoRows {
		return nil, lending.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	agreement.Installments, err = s.loadAgreementInstallments(ctx, agreement.ID)
	if err != nil {
		return nil, err
	}
	return agreement, nil
}

// AgreementsByLoan returns all agreements ever made for a loan, broken
// ones included.
func (s *Store) AgreementsByLoan(ctx context.Context, loanID lending.LoanID) ([]*lending.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, total_debt_at_negotiation, negotiated_total, interest_rate,
		       installments_count, frequency, status, created_at
		FROM agreements WHERE loan_id = ? ORDER BY created_at
	`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agreements []*lending.Agreement
	for rows.Next() {
		agreement, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, agreement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range agreements {
		a.Installments, err = s.loadAgreementInstallments(ctx, a.ID)
		if err != nil {
			return nil, err
		}
	}
	return agreements, nil
}

// UpdateInstallment persists one agreement installment's paid state.
func (s *Store) UpdateInstallment(ctx context.Context, id lending.AgreementID, inst lending.AgreementInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agreement_installments
		SET paid_amount = ?, status = ?, due_date = ?
		WHERE agreement_id = ? AND number = ?
	`,
		inst.PaidAmount.String(), inst.Status,
		inst.DueDate.Format(time.RFC3339),
		id, inst.Number,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateStatus moves the agreement through its state machine.
func (s *Store) UpdateStatus(ctx context.Context, id lending.AgreementID, status lending.AgreementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE agreements SET status = ? WHERE id = ?",
		status, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanAgreement(row rowScanner) (*lending.Agreement, error) {
	var (
		a                     lending.Agreement
		totalDebt, negotiated string
		rate, createdAt       string
	)

	err := row.Scan(&a.ID, &a.LoanID, &totalDebt, &negotiated, &rate,
		&a.InstallmentsCount, &a.Frequency, &a.Status, &createdAt)
	if err != nil {
		return nil, err
	}

	if a.TotalDebtAtNegotiation, err = parseDec(totalDebt); err != nil {
		return nil, err
	}
	if a.NegotiatedTotal, err = parseDec(negotiated); err != nil {
		return nil, err
	}
	if a.InterestRate, err = parseDec(rate); err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func (s *Store) loadAgreementInstallments(ctx context.Context, id lending.AgreementID) ([]lending.AgreementInstallment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, due_date, amount, paid_amount, status
		FROM agreement_installments
		WHERE agreement_id = ?
		ORDER BY number ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []lending.AgreementInstallment
	for rows.Next() {
		var (
			inst               lending.AgreementInstallment
			dueDate            string
			amount, paidAmount string
		)
		if err := rows.Scan(&inst.Number, &dueDate, &amount, &paidAmount, &inst.Status); err != nil {
			return nil, err
		}
		inst.DueDate, _ = time.Parse(time.RFC3339, dueDate)
		if inst.Amount, err = parseDec(amount); err != nil {
			return nil, err
		}
		if inst.PaidAmount, err = parseDec(paidAmount); err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

// =============================================================================
// CAPITAL SOURCE REPOSITORY
// =============================================================================

// SaveSource upserts a capital source.
func (s *Store) SaveSource(ctx context.Context, source *lending.CapitalSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := source.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capital_sources (id, name, type, balance_cents, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			balance_cents = excluded.balance_cents
	`,
		source.ID, source.Name, source.Type,
		toCents(source.Balance),
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetSource retrieves a capital source by ID.
func (s *Store) GetSource(ctx context.Context, id lending.SourceID) (*lending.CapitalSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		src       lending.CapitalSource
		cents     int64
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type, balance_cents, created_at FROM capital_sources WHERE id = ?",
		id,
	).Scan(&src.ID, &src.Name, &src.Type, &cents, &createdAt)

	if err == sql.ErrNoRows {
		return nil, lending.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	src.Balance = fromCents(cents)
	src.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &src, nil
}

// ListSources returns all capital sources.
func (s *Store) ListSources(ctx context.Context) ([]*lending.CapitalSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, type, balance_cents, created_at FROM capital_sources ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*lending.CapitalSource
	for rows.Next() {
		var (
			src       lending.CapitalSource
			cents     int64
			createdAt string
		)
		if err := rows.Scan(&src.ID, &src.Name, &src.Type, &cents, &createdAt); err != nil {
			return nil, err
		}
		src.Balance = fromCents(cents)
		src.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// AdjustBalance applies a relative delta in a single UPDATE so
// concurrent adjustments never read-modify-write over each other.
func (s *Store) AdjustBalance(ctx context.Context, id lending.SourceID, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE capital_sources SET balance_cents = balance_cents + ? WHERE id = ?",
		toCents(delta), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// =============================================================================
// HELPERS
// =============================================================================

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lending.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// toCents converts a rounded monetary amount to integer centavos.
// Ledger amounts pass through RoundMoney before reaching storage, so
// the shift is exact.
func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
