/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY ENCODING:
  Monetary values cross the wire as decimal strings ("1350.75"), never
  as JSON numbers. Clients that parse them as floats inherit the drift;
  the API contract does not.

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - lending/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/crediario/lending-engine/lending"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CapitalSourceDTO represents a funding pool in API responses.
type CapitalSourceDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateSourceRequest is the request to create a capital source.
type CreateSourceRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Balance string `json:"balance"`
}

// LoanPolicyDTO carries the commercial terms of a loan.
type LoanPolicyDTO struct {
	Principal            string `json:"principal"`
	InterestRate         string `json:"interest_rate"`
	FinePercent          string `json:"fine_percent,omitempty"`
	DailyInterestPercent string `json:"daily_interest_percent,omitempty"`
	BillingCycle         string `json:"billing_cycle"`
	StartDate            string `json:"start_date"`
	SkipWeekends         bool   `json:"skip_weekends,omitempty"`
	Installments         int    `json:"installments"`
	FixedDurationDays    int    `json:"fixed_duration_days,omitempty"`
}

// CreateLoanRequest is the request to originate a loan.
type CreateLoanRequest struct {
	Borrower string        `json:"borrower"`
	SourceID string        `json:"source_id"`
	Policy   LoanPolicyDTO `json:"policy"`
}

// EditLoanRequest updates a loan's commercial terms. The schedule is
// regenerated; due dates of surviving installments are preserved.
type EditLoanRequest struct {
	Policy LoanPolicyDTO `json:"policy"`
}

// LoanDTO represents a loan in API responses.
type LoanDTO struct {
	ID              string           `json:"id"`
	Borrower        string           `json:"borrower"`
	SourceID        string           `json:"source_id"`
	Policy          LoanPolicyDTO    `json:"policy"`
	Installments    []InstallmentDTO `json:"installments"`
	ActiveAgreement string           `json:"active_agreement,omitempty"`
	Status          string           `json:"status"`
	TotalToReceive  string           `json:"total_to_receive"`
	CreatedAt       string           `json:"created_at,omitempty"`
}

// InstallmentDTO represents one schedule row.
type InstallmentDTO struct {
	ID                 string `json:"id"`
	Sequence           int    `json:"sequence"`
	DueDate            string `json:"due_date"`
	ScheduledPrincipal string `json:"scheduled_principal"`
	ScheduledInterest  string `json:"scheduled_interest"`
	PrincipalRemaining string `json:"principal_remaining"`
	InterestRemaining  string `json:"interest_remaining"`
	LateFeeAccrued     string `json:"late_fee_accrued"`
	Status             string `json:"status"`
}

// DueAmountDTO is the due-amount preview for a payment.
type DueAmountDTO struct {
	InstallmentID string `json:"installment_id"`
	Total         string `json:"total"`
	Principal     string `json:"principal"`
	Interest      string `json:"interest"`
	LateFee       string `json:"late_fee"`
	DaysLate      int    `json:"days_late"`
	AsOf          string `json:"as_of"`
}

// PaymentRequest records a payment against a loan.
type PaymentRequest struct {
	Amount   string `json:"amount"`
	SourceID string `json:"source_id"`
}

// PaymentResponseDTO reports what the payment did.
type PaymentResponseDTO struct {
	Entry          LedgerEntryDTO `json:"entry"`
	Due            DueAmountDTO   `json:"due"`
	CompletedSteps []string       `json:"completed_steps"`
}

// LedgerEntryDTO represents one ledger entry.
type LedgerEntryDTO struct {
	ID             string `json:"id"`
	LoanID         string `json:"loan_id"`
	SourceID       string `json:"source_id"`
	InstallmentID  string `json:"installment_id,omitempty"`
	AgreementID    string `json:"agreement_id,omitempty"`
	Type           string `json:"type"`
	Date           string `json:"date"`
	Amount         string `json:"amount"`
	PrincipalDelta string `json:"principal_delta,omitempty"`
	InterestDelta  string `json:"interest_delta,omitempty"`
	LateFeeDelta   string `json:"late_fee_delta,omitempty"`
	ReversesID     string `json:"reverses_id,omitempty"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// CreateAgreementRequest opens a renegotiation plan for a loan.
type CreateAgreementRequest struct {
	NegotiatedTotal   string `json:"negotiated_total"`
	InterestRate      string `json:"interest_rate,omitempty"`
	InstallmentsCount int    `json:"installments_count"`
	Frequency         string `json:"frequency"`
	FirstDueDate      string `json:"first_due_date,omitempty"`
}

// AgreementPaymentRequest pays one agreement installment.
type AgreementPaymentRequest struct {
	Number   int    `json:"number"`
	Amount   string `json:"amount"`
	SourceID string `json:"source_id"`
}

// AgreementDTO represents a renegotiation plan.
type AgreementDTO struct {
	ID                     string                    `json:"id"`
	LoanID                 string                    `json:"loan_id"`
	TotalDebtAtNegotiation string                    `json:"total_debt_at_negotiation"`
	NegotiatedTotal        string                    `json:"negotiated_total"`
	Frequency              string                    `json:"frequency"`
	Status                 string                    `json:"status"`
	Installments           []AgreementInstallmentDTO `json:"installments"`
	CreatedAt              string                    `json:"created_at,omitempty"`
}

// AgreementInstallmentDTO represents one plan row.
type AgreementInstallmentDTO struct {
	Number     int    `json:"number"`
	DueDate    string `json:"due_date"`
	Amount     string `json:"amount"`
	PaidAmount string `json:"paid_amount"`
	Status     string `json:"status"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func toSourceDTO(s *lending.CapitalSource) CapitalSourceDTO {
	return CapitalSourceDTO{
		ID:        string(s.ID),
		Name:      s.Name,
		Type:      string(s.Type),
		Balance:   s.Balance.String(),
		CreatedAt: formatTime(s.CreatedAt),
	}
}

func toPolicyDTO(p lending.LoanPolicy) LoanPolicyDTO {
	return LoanPolicyDTO{
		Principal:            p.Principal.String(),
		InterestRate:         p.InterestRate.String(),
		FinePercent:          p.FinePercent.String(),
		DailyInterestPercent: p.DailyInterestPercent.String(),
		BillingCycle:         string(p.BillingCycle),
		StartDate:            p.StartDate.Format(dateLayout),
		SkipWeekends:         p.SkipWeekends,
		Installments:         p.Installments,
		FixedDurationDays:    p.FixedDurationDays,
	}
}

func toLoanDTO(loan *lending.Loan) LoanDTO {
	dto := LoanDTO{
		ID:           string(loan.ID),
		Borrower:     loan.Borrower,
		SourceID:     string(loan.SourceID),
		Policy:       toPolicyDTO(loan.Policy),
		Installments: make([]InstallmentDTO, len(loan.Installments)),
		Status:       string(loan.Status),
		CreatedAt:    formatTime(loan.CreatedAt),
	}
	if loan.ActiveAgreement != nil {
		dto.ActiveAgreement = string(*loan.ActiveAgreement)
	}
	total := lending.RoundMoney(loan.PrincipalRemaining())
	for i, inst := range loan.Installments {
		dto.Installments[i] = toInstallmentDTO(inst)
		total = total.Add(inst.InterestRemaining)
	}
	dto.TotalToReceive = lending.RoundMoney(total).String()
	return dto
}

func toInstallmentDTO(inst lending.Installment) InstallmentDTO {
	return InstallmentDTO{
		ID:                 string(inst.ID),
		Sequence:           inst.Sequence,
		DueDate:            inst.DueDate.Format(dateLayout),
		ScheduledPrincipal: inst.ScheduledPrincipal.String(),
		ScheduledInterest:  inst.ScheduledInterest.String(),
		PrincipalRemaining: inst.PrincipalRemaining.String(),
		InterestRemaining:  inst.InterestRemaining.String(),
		LateFeeAccrued:     inst.LateFeeAccrued.String(),
		Status:             string(inst.Status),
	}
}

func toEntryDTO(e lending.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             string(e.ID),
		LoanID:         string(e.LoanID),
		SourceID:       string(e.SourceID),
		InstallmentID:  string(e.InstallmentID),
		AgreementID:    string(e.AgreementID),
		Type:           string(e.Type),
		Date:           e.Date.Format(dateLayout),
		Amount:         e.Amount.String(),
		PrincipalDelta: e.PrincipalDelta.String(),
		InterestDelta:  e.InterestDelta.String(),
		LateFeeDelta:   e.LateFeeDelta.String(),
		ReversesID:     string(e.ReversesID),
		Notes:          e.Notes,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

func toEntryDTOs(entries []lending.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toDueDTO(instID lending.InstallmentID, due lending.DueAmount, asOf time.Time) DueAmountDTO {
	return DueAmountDTO{
		InstallmentID: string(instID),
		Total:         due.Total.String(),
		Principal:     due.Principal.String(),
		Interest:      due.Interest.String(),
		LateFee:       due.LateFee.String(),
		DaysLate:      due.DaysLate,
		AsOf:          asOf.Format(dateLayout),
	}
}

func toAgreementDTO(a *lending.Agreement) AgreementDTO {
	dto := AgreementDTO{
		ID:                     string(a.ID),
		LoanID:                 string(a.LoanID),
		TotalDebtAtNegotiation: a.TotalDebtAtNegotiation.String(),
		NegotiatedTotal:        a.NegotiatedTotal.String(),
		Frequency:              string(a.Frequency),
		Status:                 string(a.Status),
		Installments:           make([]AgreementInstallmentDTO, len(a.Installments)),
		CreatedAt:              formatTime(a.CreatedAt),
	}
	for i, inst := range a.Installments {
		dto.Installments[i] = AgreementInstallmentDTO{
			Number:     inst.Number,
			DueDate:    inst.DueDate.Format(dateLayout),
			Amount:     inst.Amount.String(),
			PaidAmount: inst.PaidAmount.String(),
			Status:     string(inst.Status),
		}
	}
	return dto
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
