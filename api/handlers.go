/*
handlers.go - HTTP API handlers for the lending engine

PURPOSE:
  Exposes the lending engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Sources:
    GET    /api/sources                 List capital sources
    POST   /api/sources                 Create capital source
    GET    /api/sources/{id}            Get one source

  Loans:
    GET    /api/loans                   List loans
    POST   /api/loans                   Originate loan (schedule + disbursement)
    GET    /api/loans/{id}              Get loan with installments
    PUT    /api/loans/{id}              Edit terms (schedule regenerated,
                                        due dates preserved, audit note)
    GET    /api/loans/{id}/due          Due-amount preview for today
    GET    /api/loans/{id}/ledger       Full ledger history
    POST   /api/loans/{id}/payments     Record a payment
    POST   /api/loans/{id}/entries/{entryID}/reverse  Estorno

  Agreements:
    POST   /api/loans/{id}/agreements   Renegotiate the debt
    GET    /api/loans/{id}/agreements   All plans ever made for the loan
    GET    /api/agreements/{id}         Get one plan
    POST   /api/agreements/{id}/payments  Pay a plan installment
    POST   /api/agreements/{id}/break   Cancel the plan

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (coordinator, ledger, agreement engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (state machine, reversal, idempotency)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are
  public. Put this behind a trusted gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - lending/: Domain logic this delegates to
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crediario/lending-engine/lending"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Repository is the full persistence surface the API needs. Both the
// SQLite store and the in-memory store satisfy it.
type Repository interface {
	lending.LoanRepository
	lending.LedgerRepository
	lending.AgreementRepository
	lending.CapitalSourceRepository
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Repository
	Ledger     *lending.LedgerService
	Payments   *lending.Coordinator
	Agreements *lending.AgreementEngine
	Clock      lending.Clock

	newInstallmentID lending.IDGenerator
}

// NewHandler wires the domain services over one repository.
func NewHandler(store Repository, clock lending.Clock) *Handler {
	ledger := lending.NewLedgerService(store, store, clock)
	return &Handler{
		Store:      store,
		Ledger:     ledger,
		Payments:   lending.NewCoordinator(store, ledger, clock),
		Agreements: lending.NewAgreementEngine(store, store, ledger, clock),
		Clock:      clock,
		newInstallmentID: func() lending.InstallmentID {
			return lending.InstallmentID(uuid.NewString())
		},
	}
}

// =============================================================================
// CAPITAL SOURCE HANDLERS
// =============================================================================

// ListSources returns all capital sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.Store.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sources", err)
		return
	}

	dtos := make([]CapitalSourceDTO, len(sources))
	for i, s := range sources {
		dtos[i] = toSourceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSource returns a single capital source.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	id := lending.SourceID(chi.URLParam(r, "id"))

	source, err := h.Store.GetSource(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get source", err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceDTO(source))
}

// CreateSource creates a new capital source.
func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req CreateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	balance := decimal.Zero
	if req.Balance != "" {
		var err error
		balance, err = decimal.NewFromString(req.Balance)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid balance", err)
			return
		}
	}

	source := &lending.CapitalSource{
		ID:        lending.SourceID(req.ID),
		Name:      req.Name,
		Type:      lending.SourceType(req.Type),
		Balance:   balance,
		CreatedAt: h.Clock.Now(),
	}
	if source.ID == "" {
		source.ID = lending.SourceID(uuid.NewString())
	}
	if source.Type == "" {
		source.Type = lending.SourceCash
	}

	if err := h.Store.SaveSource(r.Context(), source); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create source", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSourceDTO(source))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns all loans.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Store.ListLoans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}

	dtos := make([]LoanDTO, len(loans))
	for i, loan := range loans {
		dtos[i] = toLoanDTO(loan)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns a loan with its installments.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	loan, err := h.Store.GetLoan(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// CreateLoan originates a loan: generates the installment schedule,
// persists the loan and posts the DISBURSEMENT entry against the
// capital source.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Borrower == "" {
		writeError(w, http.StatusBadRequest, "borrower is required", nil)
		return
	}
	if req.SourceID == "" {
		writeError(w, http.StatusBadRequest, "source_id is required", nil)
		return
	}

	policy, err := parsePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}

	schedule, err := lending.GenerateSchedule(policy, h.newInstallmentID)
	if err != nil {
		writeDomainError(w, "Failed to generate schedule", err)
		return
	}

	now := h.Clock.Now()
	loan := &lending.Loan{
		ID:           lending.LoanID(uuid.NewString()),
		Borrower:     req.Borrower,
		SourceID:     lending.SourceID(req.SourceID),
		Policy:       policy,
		Installments: schedule.Installments,
		Status:       lending.LoanActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx := r.Context()
	if err := h.Store.SaveLoan(ctx, loan); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save loan", err)
		return
	}

	_, err = h.Ledger.Post(ctx, lending.LedgerEntry{
		LoanID:   loan.ID,
		SourceID: loan.SourceID,
		Type:     lending.EntryDisbursement,
		Amount:   policy.Principal,
		Notes:    fmt.Sprintf("desembolso para %s", loan.Borrower),
	})
	if err != nil {
		writeDomainError(w, "Loan saved but disbursement failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// EditLoan updates a loan's commercial terms. The schedule is rebuilt
// from the new policy, persisted due dates survive on matching
// installments, and the change lands on the ledger as a non-reversible
// audit note.
func (h *Handler) EditLoan(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	var req EditLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	loan, err := h.Store.GetLoan(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get loan", err)
		return
	}
	if loan.ActiveAgreement != nil {
		writeError(w, http.StatusConflict, "Loan is under an active agreement", nil)
		return
	}

	policy, err := parsePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}

	schedule, err := lending.GenerateSchedule(policy, h.newInstallmentID)
	if err != nil {
		writeDomainError(w, "Failed to regenerate schedule", err)
		return
	}

	merged, err := lending.ReconcileSchedules(schedule.Installments, loan.Installments)
	if err != nil {
		writeDomainError(w, "New terms cannot be reconciled with recorded payments", err)
		return
	}

	notes := diffNotes(loan.Policy, policy)
	loan.Policy = policy
	loan.Installments = merged
	loan.UpdatedAt = h.Clock.Now()

	if err := h.Store.SaveLoan(ctx, loan); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save loan", err)
		return
	}

	if notes != "" {
		_, err = h.Ledger.Post(ctx, lending.LedgerEntry{
			LoanID:   loan.ID,
			SourceID: loan.SourceID,
			Type:     lending.EntryAudit,
			Amount:   decimal.Zero,
			Notes:    notes,
		})
		if err != nil {
			writeDomainError(w, "Loan saved but audit entry failed", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// GetDue previews the amount due today on the loan's oldest unpaid
// installment.
func (h *Handler) GetDue(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	loan, err := h.Store.GetLoan(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get loan", err)
		return
	}
	inst := loan.OldestUnpaid()
	if inst == nil {
		writeError(w, http.StatusNotFound, "Loan has no open installments", nil)
		return
	}

	today := lending.DateOnly(h.Clock.Now())
	due, err := lending.CalculateDue(loan.Policy, *inst, today)
	if err != nil {
		writeDomainError(w, "Failed to calculate due amount", err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDTO(inst.ID, due, today))
}

// GetLedger returns the loan's full ledger history.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	entries, err := h.Store.EntriesByLoan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment applies a payment to the loan's oldest unpaid
// installment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	sourceID := lending.SourceID(req.SourceID)

	outcome, err := h.Payments.ApplyPayment(r.Context(), id, sourceID, amount)
	if err != nil {
		writeDomainError(w, "Payment failed", err)
		return
	}

	steps := make([]string, len(outcome.Completed))
	for i, s := range outcome.Completed {
		steps[i] = string(s)
	}
	writeJSON(w, http.StatusCreated, PaymentResponseDTO{
		Entry:          toEntryDTO(outcome.Entry),
		Due:            toDueDTO(outcome.Entry.InstallmentID, outcome.Due, lending.DateOnly(h.Clock.Now())),
		CompletedSteps: steps,
	})
}

// ReverseEntry compensates a prior payment-like entry with an ESTORNO.
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	loanID := lending.LoanID(chi.URLParam(r, "id"))
	entryID := lending.EntryID(chi.URLParam(r, "entryID"))

	estorno, err := h.Payments.ReversePayment(r.Context(), loanID, entryID)
	if err != nil {
		writeDomainError(w, "Reversal failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(estorno))
}

// =============================================================================
// AGREEMENT HANDLERS
// =============================================================================

// CreateAgreement renegotiates the loan's outstanding debt into a new
// installment plan.
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	var req CreateAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	terms, err := parseAgreementTerms(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid terms", err)
		return
	}

	ctx := r.Context()
	loan, err := h.Store.GetLoan(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get loan", err)
		return
	}

	agreement, err := h.Agreements.CreateAgreement(ctx, loan, terms)
	if err != nil {
		writeDomainError(w, "Failed to create agreement", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementDTO(agreement))
}

// ListAgreements returns every plan ever made for the loan.
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	id := lending.LoanID(chi.URLParam(r, "id"))

	agreements, err := h.Store.AgreementsByLoan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list agreements", err)
		return
	}

	dtos := make([]AgreementDTO, len(agreements))
	for i, a := range agreements {
		dtos[i] = toAgreementDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAgreement returns one plan with its installments.
func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	id := lending.AgreementID(chi.URLParam(r, "id"))

	agreement, err := h.Store.GetAgreement(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get agreement", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(agreement))
}

// PayAgreement records a payment on one plan installment.
func (h *Handler) PayAgreement(w http.ResponseWriter, r *http.Request) {
	id := lending.AgreementID(chi.URLParam(r, "id"))

	var req AgreementPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	ctx := r.Context()
	agreement, err := h.Store.GetAgreement(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get agreement", err)
		return
	}

	err = h.Agreements.ProcessPayment(ctx, agreement, req.Number, amount, lending.SourceID(req.SourceID))
	if err != nil {
		writeDomainError(w, "Agreement payment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(agreement))
}

// BreakAgreement cancels an active plan.
func (h *Handler) BreakAgreement(w http.ResponseWriter, r *http.Request) {
	id := lending.AgreementID(chi.URLParam(r, "id"))

	ctx := r.Context()
	agreement, err := h.Store.GetAgreement(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get agreement", err)
		return
	}

	if err := h.Agreements.BreakAgreement(ctx, agreement); err != nil {
		writeDomainError(w, "Failed to break agreement", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(agreement))
}

// =============================================================================
// PARSING AND ERROR HELPERS
// =============================================================================

func parsePolicy(dto LoanPolicyDTO) (lending.LoanPolicy, error) {
	var policy lending.LoanPolicy
	var err error

	if policy.Principal, err = decimal.NewFromString(dto.Principal); err != nil {
		return policy, fmt.Errorf("principal: %w", err)
	}
	if policy.InterestRate, err = decimal.NewFromString(dto.InterestRate); err != nil {
		return policy, fmt.Errorf("interest_rate: %w", err)
	}
	if policy.FinePercent, err = parseOptionalDecimal(dto.FinePercent); err != nil {
		return policy, fmt.Errorf("fine_percent: %w", err)
	}
	if policy.DailyInterestPercent, err = parseOptionalDecimal(dto.DailyInterestPercent); err != nil {
		return policy, fmt.Errorf("daily_interest_percent: %w", err)
	}
	if policy.StartDate, err = time.Parse(dateLayout, dto.StartDate); err != nil {
		return policy, fmt.Errorf("start_date (use YYYY-MM-DD): %w", err)
	}

	policy.BillingCycle = lending.BillingCycle(dto.BillingCycle)
	if policy.BillingCycle == "" {
		policy.BillingCycle = lending.CycleMonthly
	}
	policy.SkipWeekends = dto.SkipWeekends
	policy.Installments = dto.Installments
	policy.FixedDurationDays = dto.FixedDurationDays
	return policy, nil
}

func parseOptionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseAgreementTerms(req CreateAgreementRequest) (lending.AgreementTerms, error) {
	var terms lending.AgreementTerms
	var err error

	if terms.NegotiatedTotal, err = decimal.NewFromString(req.NegotiatedTotal); err != nil {
		return terms, fmt.Errorf("negotiated_total: %w", err)
	}
	if terms.InterestRate, err = parseOptionalDecimal(req.InterestRate); err != nil {
		return terms, fmt.Errorf("interest_rate: %w", err)
	}
	if req.FirstDueDate != "" {
		if terms.FirstDueDate, err = time.Parse(dateLayout, req.FirstDueDate); err != nil {
			return terms, fmt.Errorf("first_due_date (use YYYY-MM-DD): %w", err)
		}
	}
	terms.InstallmentsCount = req.InstallmentsCount
	terms.Frequency = lending.AgreementFrequency(req.Frequency)
	return terms, nil
}

// diffNotes renders the changed policy fields as a "~"-prefixed note.
// The prefix marks the entry as a structured edit record the reversal
// path refuses to touch.
func diffNotes(old, new lending.LoanPolicy) string {
	var parts []string
	if !old.Principal.Equal(new.Principal) {
		parts = append(parts, fmt.Sprintf("principal: %s -> %s", old.Principal, new.Principal))
	}
	if !old.InterestRate.Equal(new.InterestRate) {
		parts = append(parts, fmt.Sprintf("juros: %s -> %s", old.InterestRate, new.InterestRate))
	}
	if !old.FinePercent.Equal(new.FinePercent) {
		parts = append(parts, fmt.Sprintf("multa: %s -> %s", old.FinePercent, new.FinePercent))
	}
	if !old.DailyInterestPercent.Equal(new.DailyInterestPercent) {
		parts = append(parts, fmt.Sprintf("juros diarios: %s -> %s", old.DailyInterestPercent, new.DailyInterestPercent))
	}
	if old.BillingCycle != new.BillingCycle {
		parts = append(parts, fmt.Sprintf("modalidade: %s -> %s", old.BillingCycle, new.BillingCycle))
	}
	if old.Installments != new.Installments {
		parts = append(parts, fmt.Sprintf("parcelas: %d -> %d", old.Installments, new.Installments))
	}
	if !old.StartDate.Equal(new.StartDate) {
		parts = append(parts, fmt.Sprintf("inicio: %s -> %s",
			old.StartDate.Format(dateLayout), new.StartDate.Format(dateLayout)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "~" + strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, lending.ErrNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, lending.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, lending.ErrAgreementState),
		errors.Is(err, lending.ErrReversalNotAllowed),
		errors.Is(err, lending.ErrConsistency),
		errors.Is(err, lending.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
