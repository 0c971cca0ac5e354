/*
intake.go - Manual payment entry intake

PURPOSE:
  Admins key in payments that did not arrive through the gateway (cash at
  the bursar's desk, bank slips). Academic entries become a pending
  VerificationRequest; non-academic entries (uniforms, transport, events)
  are only recorded.

ATOMICITY:
  Entry insert, verification request insert and admin notifications are
  one database transaction. The transaction reference is pre-checked and
  also protected by a UNIQUE index, so two racing submissions produce one
  entry and one DuplicateReferenceError.

PAYMENT REFERENCE:
  MANUAL-{YYYYMMDD}-{entry id, zero-padded to 6}
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ManualEntryInput is what an admin submits.
type ManualEntryInput struct {
	RecordType RecordType `json:"record_type" validate:"required,oneof=academic non_academic"`

	StudentID       string `json:"student_id" validate:"required_if=RecordType academic,max=64"`
	ClientName      string `json:"client_name" validate:"required_if=RecordType non_academic,max=200"`
	ClientEmail     string `json:"client_email" validate:"omitempty,email"`
	ClientPhone     string `json:"client_phone" validate:"max=32"`
	ServiceCategory string `json:"service_category" validate:"required_if=RecordType non_academic,max=100"`

	ProgramID *int64 `json:"program_id"`
	CourseID  *int64 `json:"course_id"`
	ClassID   *int64 `json:"class_id"`

	PaymentType          string          `json:"payment_type" validate:"max=50"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentMethod        string          `json:"payment_method" validate:"max=50"`
	TransactionReference string          `json:"transaction_reference" validate:"required,max=100"`
	Description          string          `json:"description" validate:"max=1000"`
	ProofText            string          `json:"proof_text" validate:"max=2000"`
}

// DefaultCurrency is used when an entry names none.
const DefaultCurrency = "UGX"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct runs struct-tag validation and converts the first failure
// into a *ValidationError.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		switch fe.Tag() {
		case "required", "required_if":
			return invalid(fe.Field(), "is required")
		case "oneof":
			return invalid(fe.Field(), "must be one of: %s", fe.Param())
		case "max":
			return invalid(fe.Field(), "must be at most %s characters", fe.Param())
		default:
			return invalid(fe.Field(), "failed %q check", fe.Tag())
		}
	}
	return &ValidationError{Message: err.Error()}
}

// MaxAmount is the largest single amount accepted. Balances and sums of
// many such amounts stay inside int64 minor units.
var MaxAmount = decimal.New(1, 13)

// ValidateAmount requires a positive amount with at most two decimal places,
// no larger than MaxAmount.
func ValidateAmount(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid(field, "must be greater than zero")
	}
	if !d.Equal(d.Round(MinorUnits)) {
		return invalid(field, "must have at most %d decimal places", MinorUnits)
	}
	if d.GreaterThan(MaxAmount) {
		return invalid(field, "must not exceed %s", MaxAmount.StringFixed(MinorUnits))
	}
	return nil
}

func (in *ManualEntryInput) normalize(currency string) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.ClientName = strings.TrimSpace(in.ClientName)
	in.ClientEmail = strings.TrimSpace(in.ClientEmail)
	in.ClientPhone = strings.TrimSpace(in.ClientPhone)
	in.ServiceCategory = strings.TrimSpace(in.ServiceCategory)
	in.PaymentType = strings.ToLower(strings.TrimSpace(in.PaymentType))
	in.PaymentMethod = strings.TrimSpace(in.PaymentMethod)
	in.TransactionReference = strings.TrimSpace(in.TransactionReference)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = currency
	}
}

// Validate checks every intake rule that does not need the database.
func (in ManualEntryInput) Validate() error {
	if err := ValidateStruct(in); err != nil {
		return err
	}
	if in.RecordType == RecordAcademic && TransactionTypeFor(in.PaymentType) != TxRegistration {
		if in.ProgramID == nil {
			return invalid("program_id", "is required unless payment_type is registration")
		}
		if in.CourseID == nil {
			return invalid("course_id", "is required unless payment_type is registration")
		}
	}
	return ValidateAmount("amount", in.Amount)
}

// ManualReference synthesizes the payment reference for a manual claim.
func ManualReference(at time.Time, entryID int64) string {
	return fmt.Sprintf("MANUAL-%s-%06d", at.Format("20060102"), entryID)
}

// SubmitManualEntry validates and persists a manual entry, and for academic
// entries the pending VerificationRequest that goes with it.
func (s *Service) SubmitManualEntry(ctx context.Context, rc RequestContext, in ManualEntryInput) (*ManualPaymentEntry, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	in.normalize(s.currency())
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	entry := &ManualPaymentEntry{
		AdminID:              rc.Actor.ID,
		RecordType:           in.RecordType,
		StudentID:            in.StudentID,
		ClientName:           in.ClientName,
		ClientEmail:          in.ClientEmail,
		ClientPhone:          in.ClientPhone,
		ServiceCategory:      in.ServiceCategory,
		ProgramID:            in.ProgramID,
		CourseID:             in.CourseID,
		ClassID:              in.ClassID,
		PaymentType:          in.PaymentType,
		Amount:               in.Amount,
		Currency:             in.Currency,
		PaymentMethod:        in.PaymentMethod,
		TransactionReference: in.TransactionReference,
		Description:          in.Description,
		Status:               ManualPending,
		CreatedAt:            now,
	}

	err := s.Store.WithTx(ctx, func(st Store) error {
		taken, err := st.ReferenceTaken(ctx, entry.TransactionReference)
		if err != nil {
			return Persist("check reference", err)
		}
		if taken {
			return &DuplicateReferenceError{Reference: entry.TransactionReference}
		}

		entry.ID, err = st.CreateManualEntry(ctx, entry)
		if err != nil {
			return Persist("create manual entry", err)
		}

		if entry.RecordType == RecordAcademic {
			vrID, err := st.CreateVerificationRequest(ctx, &VerificationRequest{
				PaymentReference: ManualReference(now, entry.ID),
				StudentID:        entry.StudentID,
				PaymentType:      string(TransactionTypeFor(entry.PaymentType)),
				ProgramID:        entry.ProgramID,
				CourseID:         entry.CourseID,
				ClassID:          entry.ClassID,
				Amount:           entry.Amount,
				Currency:         entry.Currency,
				PaymentMethod:    entry.PaymentMethod,
				ProofText:        in.ProofText,
				Status:           VerificationPending,
				ManualEntryID:    &entry.ID,
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if err != nil {
				return Persist("create verification request", err)
			}
			if err := st.LinkVerificationRequest(ctx, entry.ID, vrID); err != nil {
				return Persist("link verification request", err)
			}
			entry.VerificationRequestID = &vrID
		}

		return s.notifyAdmins(ctx, st, rc, entry, now)
	})
	if err != nil {
		return nil, err
	}

	s.log().Info("manual entry recorded",
		zap.Int64("entry_id", entry.ID),
		zap.String("reference", entry.TransactionReference),
		zap.String("record_type", string(entry.RecordType)),
		zap.String("admin_id", rc.Actor.ID))
	s.record(ctx, rc, "create_manual_payment",
		fmt.Sprintf("Recorded %s payment %s", entry.RecordType, entry.TransactionReference),
		"manual_payment_entry", entry.ID)
	return entry, nil
}

func (s *Service) notifyAdmins(ctx context.Context, st Store, rc RequestContext, e *ManualPaymentEntry, now time.Time) error {
	admins, err := st.AdminIDs(ctx)
	if err != nil {
		return Persist("list admins", err)
	}
	who := e.StudentID
	if who == "" {
		who = e.ClientName
	}
	msg := fmt.Sprintf("%s recorded a manual payment of %s for %s (ref %s)",
		rc.Actor.ID, FormatAmount(e.Amount, e.Currency), who, e.TransactionReference)
	for _, id := range admins {
		if id == rc.Actor.ID {
			continue
		}
		err := st.EnqueueNotification(ctx, Notification{
			UserID:    id,
			Title:     "New manual payment entry",
			Message:   msg,
			CreatedAt: now,
		})
		if err != nil {
			return Persist("enqueue notification", err)
		}
	}
	return nil
}
