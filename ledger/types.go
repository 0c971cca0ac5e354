/*
Package ledger provides the unified payment ledger and the verification workflow.

PURPOSE:
  Payments reach the school from several places: the payment gateway, the
  registration-fee and course-fee flows, and admins keying in receipts by
  hand. This package merges them into one filterable ledger and takes
  unverified claims through verification to a posted LedgerEntry, updating
  the student's running balance exactly once per claim.

KEY CONCEPTS IN THIS FILE (types.go):
  - PaymentRecord: one row of the unified ledger, tagged with its SourceType
  - VerificationRequest: a claim awaiting admin adjudication
  - ManualPaymentEntry: a payment keyed in by an admin
  - FinancialStatus: a student's fee/paid/balance for one class
  - LedgerEntry: a posted, settled financial effect (append-only)

DESIGN PRINCIPLES:
  1. Append-only: LedgerEntries are never modified; refunds post new entries
  2. Precision: money is decimal.Decimal, stored as integer minor units
  3. At-most-once: every state change is a conditional transition (transition.go)
  4. Explicit context: identity and anti-replay tokens travel in RequestContext

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence interfaces
  - view.go, intake.go, verification.go, reconcile.go, bulk.go, refund.go
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SOURCES
// =============================================================================

// SourceType identifies the origin table a PaymentRecord was normalized from.
type SourceType string

const (
	SourceGatewayTransaction SourceType = "gateway_transaction"
	SourceRegistrationFee    SourceType = "registration_fee"
	SourceCourseFee          SourceType = "course_fee"
	SourceManualEntry        SourceType = "manual_entry"
)

// SourceTypes lists every source in tie-break order.
var SourceTypes = []SourceType{
	SourceCourseFee,
	SourceGatewayTransaction,
	SourceManualEntry,
	SourceRegistrationFee,
}

func (s SourceType) Valid() bool {
	switch s {
	case SourceGatewayTransaction, SourceRegistrationFee, SourceCourseFee, SourceManualEntry:
		return true
	}
	return false
}

// RecordRef points at one PaymentRecord across all sources.
type RecordRef struct {
	SourceType SourceType `json:"source_type"`
	ID         int64      `json:"id"`
}

// =============================================================================
// PAYMENT RECORD - One row of the unified ledger
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// PaymentRecord is the common shape every Source Adapter produces.
type PaymentRecord struct {
	ID            int64
	SourceType    SourceType
	StudentID     string
	StudentName   string
	Reference     string
	PaymentType   string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Status        PaymentStatus
	IsVerified    bool
	VerifiedBy    string
	VerifiedAt    *time.Time
	CreatedAt     time.Time
	Description   string

	ClassID   *int64
	CourseID  *int64
	ProgramID *int64

	// Resolved from FinancialStatus at query time; nil when no status row exists.
	StudentBalance *decimal.Decimal
}

func (r PaymentRecord) Ref() RecordRef {
	return RecordRef{SourceType: r.SourceType, ID: r.ID}
}

// =============================================================================
// VERIFICATION REQUEST
// =============================================================================

type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationVerified  VerificationStatus = "verified"
	VerificationRejected  VerificationStatus = "rejected"
	VerificationCancelled VerificationStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s VerificationStatus) Terminal() bool {
	return s != VerificationPending
}

type VerificationRequest struct {
	ID               int64
	PaymentReference string
	StudentID        string
	PaymentType      string
	ProgramID        *int64
	CourseID         *int64
	ClassID          *int64
	Amount           decimal.Decimal
	Currency         string
	PaymentMethod    string
	ProofText        string
	Status           VerificationStatus
	VerifiedBy       string
	VerifiedAt       *time.Time
	RejectionReason  string

	// Weak back-reference; the entry does not own the request.
	ManualEntryID *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// MANUAL PAYMENT ENTRY
// =============================================================================

type RecordType string

const (
	RecordAcademic    RecordType = "academic"
	RecordNonAcademic RecordType = "non_academic"
)

type ManualStatus string

const (
	ManualPending  ManualStatus = "pending"
	ManualVerified ManualStatus = "verified"
	ManualRejected ManualStatus = "rejected"
)

type ManualPaymentEntry struct {
	ID         int64
	AdminID    string
	RecordType RecordType

	StudentID       string
	ClientName      string
	ClientEmail     string
	ClientPhone     string
	ServiceCategory string

	ProgramID *int64
	CourseID  *int64
	ClassID   *int64

	PaymentType          string
	Amount               decimal.Decimal
	Currency             string
	PaymentMethod        string
	TransactionReference string
	Description          string
	Status               ManualStatus
	ProcessedAt          *time.Time
	CreatedAt            time.Time

	// Set for academic entries once the linked claim exists.
	VerificationRequestID *int64
}

// =============================================================================
// FINANCIAL STATUS
// =============================================================================

// FinancialStatus is a student's running balance for one class.
type FinancialStatus struct {
	StudentID  string
	ClassID    int64
	TotalFee   decimal.Decimal
	PaidAmount decimal.Decimal
	Balance    decimal.Decimal
	UpdatedAt  time.Time
}

// =============================================================================
// LEDGER ENTRY - Posted transaction (append-only)
// =============================================================================

type TransactionType string

const (
	TxTuition      TransactionType = "tuition"
	TxRegistration TransactionType = "registration"
	TxCourse       TransactionType = "course"
	TxOther        TransactionType = "other"
	TxRefund       TransactionType = "refund"
)

// TransactionTypeFor maps a free-form payment type onto a transaction type.
// The same mapping derives the verification type of a manual claim.
func TransactionTypeFor(paymentType string) TransactionType {
	pt := strings.ToLower(strings.TrimSpace(paymentType))
	switch {
	case strings.HasPrefix(pt, "tuition"):
		return TxTuition
	case pt == "registration":
		return TxRegistration
	case strings.HasPrefix(pt, "course"):
		return TxCourse
	default:
		return TxOther
	}
}

type LedgerEntry struct {
	ID               int64
	StudentID        string
	ClassID          *int64
	TransactionType  TransactionType
	PaymentMethod    string
	Amount           decimal.Decimal
	Currency         string
	Description      string
	Status           PaymentStatus
	IsVerified       bool
	VerifiedBy       string
	VerifiedAt       time.Time
	PaymentReference string
	SourceType       SourceType
	SourceID         int64
	CreatedAt        time.Time
}

// =============================================================================
// REQUEST CONTEXT - Explicit identity for every operation
// =============================================================================

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStaff   Role = "staff"
	RoleStudent Role = "student"
	RoleSystem  Role = "system"
)

type Actor struct {
	ID   string
	Role Role
}

// RequestContext carries identity and anti-replay data into an operation.
type RequestContext struct {
	Actor     Actor
	CSRFToken string
	RequestID string
}

// SystemContext is used by the repair sweeper and the CLI.
func SystemContext() RequestContext {
	return RequestContext{Actor: Actor{ID: "system", Role: RoleSystem}}
}

// =============================================================================
// NOTIFICATIONS / ACTIVITY
// =============================================================================

type Notification struct {
	ID        int64
	UserID    string
	Title     string
	Message   string
	CreatedAt time.Time
	SentAt    *time.Time
}

type Activity struct {
	UserID      string
	Action      string
	Description string
	EntityType  string
	EntityID    string
	At          time.Time
}

// =============================================================================
// MONEY
// =============================================================================

// MinorUnits is the number of decimal places money is stored with.
const MinorUnits = 2

// ToMinor converts an amount to integer cents. Callers validate precision first.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(MinorUnits).IntPart()
}

func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -MinorUnits)
}

// FormatAmount renders an amount for people to read, e.g. "UGX 1,250.00".
func FormatAmount(d decimal.Decimal, currency string) string {
	s := d.StringFixed(MinorUnits)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := b.String() + "." + frac
	if neg {
		out = "-" + out
	}
	if currency == "" {
		return out
	}
	return currency + " " + out
}
