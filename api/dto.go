/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("1500000.00") next to a display form
  built by ledger.FormatAmount ("UGX 1,500,000.00"). Clients never see
  minor units.

VALIDATION:
  Request bodies carry validator tags and are checked with
  ledger.ValidateStruct before reaching the service, which validates again.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// LEDGER VIEW
// =============================================================================

type PaymentRecordDTO struct {
	ID             int64      `json:"id"`
	SourceType     string     `json:"source_type"`
	StudentID      string     `json:"student_id"`
	StudentName    string     `json:"student_name"`
	Reference      string     `json:"reference"`
	PaymentType    string     `json:"payment_type,omitempty"`
	Amount         string     `json:"amount"`
	AmountDisplay  string     `json:"amount_display"`
	Currency       string     `json:"currency"`
	PaymentMethod  string     `json:"payment_method"`
	Status         string     `json:"status"`
	IsVerified     bool       `json:"is_verified"`
	VerifiedBy     string     `json:"verified_by,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Description    string     `json:"description,omitempty"`
	ClassID        *int64     `json:"class_id,omitempty"`
	CourseID       *int64     `json:"course_id,omitempty"`
	ProgramID      *int64     `json:"program_id,omitempty"`
	StudentBalance *string    `json:"student_balance,omitempty"`
}

type BucketDTO struct {
	Count int64  `json:"count"`
	Sum   string `json:"sum"`
}

type AggregatesDTO struct {
	Total    BucketDTO            `json:"total"`
	ByStatus map[string]BucketDTO `json:"by_status"`
	ByMethod map[string]BucketDTO `json:"by_method"`
	BySource map[string]BucketDTO `json:"by_source"`
}

type LedgerPageDTO struct {
	Rows       []PaymentRecordDTO `json:"rows"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int64              `json:"total_pages"`
	Aggregates AggregatesDTO      `json:"aggregates"`
}

// =============================================================================
// WORKFLOW
// =============================================================================

type ManualEntryDTO struct {
	ID                    int64      `json:"id"`
	AdminID               string     `json:"admin_id"`
	RecordType            string     `json:"record_type"`
	StudentID             string     `json:"student_id,omitempty"`
	ClientName            string     `json:"client_name,omitempty"`
	ClientEmail           string     `json:"client_email,omitempty"`
	ClientPhone           string     `json:"client_phone,omitempty"`
	ServiceCategory       string     `json:"service_category,omitempty"`
	ProgramID             *int64     `json:"program_id,omitempty"`
	CourseID              *int64     `json:"course_id,omitempty"`
	ClassID               *int64     `json:"class_id,omitempty"`
	PaymentType           string     `json:"payment_type,omitempty"`
	Amount                string     `json:"amount"`
	AmountDisplay         string     `json:"amount_display"`
	Currency              string     `json:"currency"`
	PaymentMethod         string     `json:"payment_method,omitempty"`
	TransactionReference  string     `json:"transaction_reference"`
	Description           string     `json:"description,omitempty"`
	Status                string     `json:"status"`
	ProcessedAt           *time.Time `json:"processed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	VerificationRequestID *int64     `json:"verification_request_id,omitempty"`
}

type VerificationRequestDTO struct {
	ID               int64      `json:"id"`
	PaymentReference string     `json:"payment_reference"`
	StudentID        string     `json:"student_id"`
	PaymentType      string     `json:"payment_type"`
	ProgramID        *int64     `json:"program_id,omitempty"`
	CourseID         *int64     `json:"course_id,omitempty"`
	ClassID          *int64     `json:"class_id,omitempty"`
	Amount           string     `json:"amount"`
	AmountDisplay    string     `json:"amount_display"`
	Currency         string     `json:"currency"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	ProofText        string     `json:"proof_text,omitempty"`
	Status           string     `json:"status"`
	VerifiedBy       string     `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	ManualEntryID    *int64     `json:"manual_entry_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type LedgerEntryDTO struct {
	ID               int64     `json:"id"`
	StudentID        string    `json:"student_id"`
	ClassID          *int64    `json:"class_id,omitempty"`
	TransactionType  string    `json:"transaction_type"`
	PaymentMethod    string    `json:"payment_method,omitempty"`
	Amount           string    `json:"amount"`
	AmountDisplay    string    `json:"amount_display"`
	Currency         string    `json:"currency"`
	Description      string    `json:"description,omitempty"`
	Status           string    `json:"status"`
	VerifiedBy       string    `json:"verified_by,omitempty"`
	VerifiedAt       time.Time `json:"verified_at"`
	PaymentReference string    `json:"payment_reference"`
	SourceType       string    `json:"source_type,omitempty"`
	SourceID         int64     `json:"source_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// VerificationResultDTO is returned by verify and repair. Degraded results
// come with a 502 and Error set.
type VerificationResultDTO struct {
	Request  VerificationRequestDTO `json:"request"`
	Entry    *LedgerEntryDTO        `json:"entry,omitempty"`
	Degraded bool                   `json:"degraded"`
	Error    string                 `json:"error,omitempty"`
}

type FinancialStatusDTO struct {
	StudentID  string    `json:"student_id"`
	ClassID    int64     `json:"class_id"`
	TotalFee   string    `json:"total_fee"`
	PaidAmount string    `json:"paid_amount"`
	Balance    string    `json:"balance"`
	Overpaid   bool      `json:"overpaid"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type RejectRequestBody struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// BulkItemsRequest is the body of bulk verify and bulk refund staging.
type BulkItemsRequest struct {
	Items []ledger.RecordRef `json:"items" validate:"required,min=1,max=500"`
}

// RefundRequest is the body of a single refund. The record comes from the URL.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" validate:"max=50"`
	Reason string          `json:"reason" validate:"max=1000"`
}

// ConfirmRefundRequest confirms one item of a staging.
type ConfirmRefundRequest struct {
	Record ledger.RecordRef `json:"record"`
	Amount decimal.Decimal  `json:"amount"`
	Method string           `json:"method" validate:"max=50"`
	Reason string           `json:"reason" validate:"max=1000"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every non-2xx response. Reason is the short
// label from ledger.Reason when the error came from the service.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func amountString(d decimal.Decimal) string {
	return d.StringFixed(ledger.MinorUnits)
}

func toPaymentRecordDTO(r ledger.PaymentRecord) PaymentRecordDTO {
	dto := PaymentRecordDTO{
		ID:            r.ID,
		SourceType:    string(r.SourceType),
		StudentID:     r.StudentID,
		StudentName:   r.StudentName,
		Reference:     r.Reference,
		PaymentType:   r.PaymentType,
		Amount:        amountString(r.Amount),
		AmountDisplay: ledger.FormatAmount(r.Amount, r.Currency),
		Currency:      r.Currency,
		PaymentMethod: r.PaymentMethod,
		Status:        string(r.Status),
		IsVerified:    r.IsVerified,
		VerifiedBy:    r.VerifiedBy,
		VerifiedAt:    r.VerifiedAt,
		CreatedAt:     r.CreatedAt,
		Description:   r.Description,
		ClassID:       r.ClassID,
		CourseID:      r.CourseID,
		ProgramID:     r.ProgramID,
	}
	if r.StudentBalance != nil {
		b := amountString(*r.StudentBalance)
		dto.StudentBalance = &b
	}
	return dto
}

func toBucketDTO(b ledger.Bucket) BucketDTO {
	return BucketDTO{Count: b.Count, Sum: amountString(b.Sum)}
}

func toAggregatesDTO(a ledger.Aggregates) AggregatesDTO {
	dto := AggregatesDTO{
		Total:    toBucketDTO(a.Total),
		ByStatus: make(map[string]BucketDTO, len(a.ByStatus)),
		ByMethod: make(map[string]BucketDTO, len(a.ByMethod)),
		BySource: make(map[string]BucketDTO, len(a.BySource)),
	}
	for k, v := range a.ByStatus {
		dto.ByStatus[string(k)] = toBucketDTO(v)
	}
	for k, v := range a.ByMethod {
		dto.ByMethod[k] = toBucketDTO(v)
	}
	for k, v := range a.BySource {
		dto.BySource[string(k)] = toBucketDTO(v)
	}
	return dto
}

func toLedgerPageDTO(p *ledger.LedgerPage) LedgerPageDTO {
	rows := make([]PaymentRecordDTO, len(p.Rows))
	for i, r := range p.Rows {
		rows[i] = toPaymentRecordDTO(r)
	}
	pages := int64(0)
	if p.PageSize > 0 {
		pages = (p.Total + int64(p.PageSize) - 1) / int64(p.PageSize)
	}
	return LedgerPageDTO{
		Rows:       rows,
		Total:      p.Total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: pages,
		Aggregates: toAggregatesDTO(p.Aggregates),
	}
}

func toManualEntryDTO(e *ledger.ManualPaymentEntry) ManualEntryDTO {
	return ManualEntryDTO{
		ID:                    e.ID,
		AdminID:               e.AdminID,
		RecordType:            string(e.RecordType),
		StudentID:             e.StudentID,
		ClientName:            e.ClientName,
		ClientEmail:           e.ClientEmail,
		ClientPhone:           e.ClientPhone,
		ServiceCategory:       e.ServiceCategory,
		ProgramID:             e.ProgramID,
		CourseID:              e.CourseID,
		ClassID:               e.ClassID,
		PaymentType:           e.PaymentType,
		Amount:                amountString(e.Amount),
		AmountDisplay:         ledger.FormatAmount(e.Amount, e.Currency),
		Currency:              e.Currency,
		PaymentMethod:         e.PaymentMethod,
		TransactionReference:  e.TransactionReference,
		Description:           e.Description,
		Status:                string(e.Status),
		ProcessedAt:           e.ProcessedAt,
		CreatedAt:             e.CreatedAt,
		VerificationRequestID: e.VerificationRequestID,
	}
}

func toVerificationRequestDTO(vr *ledger.VerificationRequest) VerificationRequestDTO {
	return VerificationRequestDTO{
		ID:               vr.ID,
		PaymentReference: vr.PaymentReference,
		StudentID:        vr.StudentID,
		PaymentType:      vr.PaymentType,
		ProgramID:        vr.ProgramID,
		CourseID:         vr.CourseID,
		ClassID:          vr.ClassID,
		Amount:           amountString(vr.Amount),
		AmountDisplay:    ledger.FormatAmount(vr.Amount, vr.Currency),
		Currency:         vr.Currency,
		PaymentMethod:    vr.PaymentMethod,
		ProofText:        vr.ProofText,
		Status:           string(vr.Status),
		VerifiedBy:       vr.VerifiedBy,
		VerifiedAt:       vr.VerifiedAt,
		RejectionReason:  vr.RejectionReason,
		ManualEntryID:    vr.ManualEntryID,
		CreatedAt:        vr.CreatedAt,
		UpdatedAt:        vr.UpdatedAt,
	}
}

func toLedgerEntryDTO(e *ledger.LedgerEntry) *LedgerEntryDTO {
	if e == nil {
		return nil
	}
	return &LedgerEntryDTO{
		ID:               e.ID,
		StudentID:        e.StudentID,
		ClassID:          e.ClassID,
		TransactionType:  string(e.TransactionType),
		PaymentMethod:    e.PaymentMethod,
		Amount:           amountString(e.Amount),
		AmountDisplay:    ledger.FormatAmount(e.Amount, e.Currency),
		Currency:         e.Currency,
		Description:      e.Description,
		Status:           string(e.Status),
		VerifiedBy:       e.VerifiedBy,
		VerifiedAt:       e.VerifiedAt,
		PaymentReference: e.PaymentReference,
		SourceType:       string(e.SourceType),
		SourceID:         e.SourceID,
		CreatedAt:        e.CreatedAt,
	}
}

func toVerificationResultDTO(res *ledger.VerificationResult, err error) VerificationResultDTO {
	dto := VerificationResultDTO{
		Request:  toVerificationRequestDTO(res.Request),
		Entry:    toLedgerEntryDTO(res.Entry),
		Degraded: res.Degraded,
	}
	if err != nil {
		dto.Error = err.Error()
	}
	return dto
}

func toFinancialStatusDTO(fs ledger.FinancialStatus) FinancialStatusDTO {
	return FinancialStatusDTO{
		StudentID:  fs.StudentID,
		ClassID:    fs.ClassID,
		TotalFee:   amountString(fs.TotalFee),
		PaidAmount: amountString(fs.PaidAmount),
		Balance:    amountString(fs.Balance),
		Overpaid:   fs.Overpaid(),
		UpdatedAt:  fs.UpdatedAt,
	}
}
