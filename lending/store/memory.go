// Package store provides in-memory repository implementations for
// tests and development. The ledger map is append-only: entries are
// inserted in date order and never updated or removed.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/crediario/lending-engine/lending"
)

// Memory implements every repository contract of the lending package
// behind a single mutex. Safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	loans      map[lending.LoanID]*lending.Loan
	entries    map[lending.LoanID][]lending.LedgerEntry
	entryByID  map[lending.EntryID]lending.LedgerEntry
	reversed   map[lending.EntryID]bool
	idempotent map[string]bool
	agreements map[lending.AgreementID]*lending.Agreement
	sources    map[lending.SourceID]*lending.CapitalSource
}

// Compile-time checks that Memory satisfies every repository contract.
var (
	_ lending.LoanRepository          = (*Memory)(nil)
	_ lending.LedgerRepository        = (*Memory)(nil)
	_ lending.AgreementRepository     = (*Memory)(nil)
	_ lending.CapitalSourceRepository = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		loans:      make(map[lending.LoanID]*lending.Loan),
		entries:    make(map[lending.LoanID][]lending.LedgerEntry),
		entryByID:  make(map[lending.EntryID]lending.LedgerEntry),
		reversed:   make(map[lending.EntryID]bool),
		idempotent: make(map[string]bool),
		agreements: make(map[lending.AgreementID]*lending.Agreement),
		sources:    make(map[lending.SourceID]*lending.CapitalSource),
	}
}

// =============================================================================
// LOAN REPOSITORY
// =============================================================================

func (m *Memory) SaveLoan(_ context.Context, loan *lending.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = copyLoan(loan)
	return nil
}

func (m *Memory) GetLoan(_ context.Context, id lending.LoanID) (*lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, lending.ErrNotFound
	}
	return copyLoan(loan), nil
}

func (m *Memory) ListLoans(_ context.Context) ([]*lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*lending.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		out = append(out, copyLoan(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// copyLoan returns a deep copy so callers never alias stored state.
func copyLoan(l *lending.Loan) *lending.Loan {
	c := *l
	c.Installments = append([]lending.Installment(nil), l.Installments...)
	if l.ActiveAgreement != nil {
		id := *l.ActiveAgreement
		c.ActiveAgreement = &id
	}
	return &c
}

// =============================================================================
// LEDGER REPOSITORY - append-only
// =============================================================================

func (m *Memory) Append(_ context.Context, entry lending.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.IdempotencyKey != "" && m.idempotent[entry.IdempotencyKey] {
		return lending.ErrDuplicateIdempotencyKey
	}

	list := m.entries[entry.LoanID]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Date.After(entry.Date)
	})
	list = append(list, lending.LedgerEntry{})
	copy(list[i+1:], list[i:])
	list[i] = entry
	m.entries[entry.LoanID] = list

	m.entryByID[entry.ID] = entry
	if entry.Type == lending.EntryEstorno && entry.ReversesID != "" {
		m.reversed[entry.ReversesID] = true
	}
	if entry.IdempotencyKey != "" {
		m.idempotent[entry.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) EntriesByLoan(_ context.Context, loanID lending.LoanID) ([]lending.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]lending.LedgerEntry, len(m.entries[loanID]))
	copy(out, m.entries[loanID])
	return out, nil
}

func (m *Memory) GetEntry(_ context.Context, id lending.EntryID) (lending.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entryByID[id]
	if !ok {
		return lending.LedgerEntry{}, lending.ErrNotFound
	}
	return e, nil
}

func (m *Memory) IsReversed(_ context.Context, id lending.EntryID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reversed[id], nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotent[idempotencyKey], nil
}

// =============================================================================
// AGREEMENT REPOSITORY
// =============================================================================

func (m *Memory) Create(_ context.Context, agreement *lending.Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[agreement.ID] = copyAgreement(agreement)
	return nil
}

func (m *Memory) GetAgreement(_ context.Context, id lending.AgreementID) (*lending.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, lending.ErrNotFound
	}
	return copyAgreement(a), nil
}

func (m *Memory) AgreementsByLoan(_ context.Context, loanID lending.LoanID) ([]*lending.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*lending.Agreement
	for _, a := range m.agreements {
		if a.LoanID == loanID {
			out = append(out, copyAgreement(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateInstallment(_ context.Context, id lending.AgreementID, inst lending.AgreementInstallment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[id]
	if !ok {
		return lending.ErrNotFound
	}
	for i := range a.Installments {
		if a.Installments[i].Number == inst.Number {
			a.Installments[i] = inst
			return nil
		}
	}
	return lending.ErrNotFound
}

func (m *Memory) UpdateStatus(_ context.Context, id lending.AgreementID, status lending.AgreementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[id]
	if !ok {
		return lending.ErrNotFound
	}
	a.Status = status
	return nil
}

func copyAgreement(a *lending.Agreement) *lending.Agreement {
	c := *a
	c.Installments = append([]lending.AgreementInstallment(nil), a.Installments...)
	return &c
}

// =============================================================================
// CAPITAL SOURCE REPOSITORY
// =============================================================================

func (m *Memory) SaveSource(_ context.Context, source *lending.CapitalSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *source
	m.sources[source.ID] = &c
	return nil
}

func (m *Memory) GetSource(_ context.Context, id lending.SourceID) (*lending.CapitalSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, lending.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *Memory) ListSources(_ context.Context) ([]*lending.CapitalSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*lending.CapitalSource, 0, len(m.sources))
	for _, s := range m.sources {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AdjustBalance applies the delta under the store lock, the in-memory
// equivalent of an atomic UPDATE ... SET balance = balance + ?.
func (m *Memory) AdjustBalance(_ context.Context, id lending.SourceID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return lending.ErrNotFound
	}
	s.Balance = s.Balance.Add(delta)
	return nil
}
