/*
refund.go - Refund processor

PURPOSE:
  Gives money back against a completed payment record. One refund is one
  transaction:

    1. Source record completed -> refunded (conditional transition)
    2. Append a LedgerEntry of type refund, reference REFUND-{source}-{id}
    3. Debit the student's FinancialStatus by the refunded amount, but only
       when the record was posted to the ledger. A record that never
       credited a balance (unverified gateway payments, registration and
       course fees) gets its refund entry and leaves the balance alone.

CHECK ORDER:
  Amount bounds are checked before the record's status, so an out-of-range
  amount is always a ValidationError. A record that is not completed is an
  InvalidStateError. There is no un-refund.

  Manual entries are not refundable here: they are settled through their
  verification request and have no status column of their own to reverse.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RefundInput struct {
	Record RecordRef       `json:"record"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
	Reason string          `json:"reason"`
}

// RefundReference is the payment reference of the refund entry for a record.
func RefundReference(ref RecordRef) string {
	return fmt.Sprintf("REFUND-%s-%d", ref.SourceType, ref.ID)
}

func (in *RefundInput) validate() error {
	in.Reason = strings.TrimSpace(in.Reason)
	in.Method = strings.TrimSpace(in.Method)
	if !in.Record.SourceType.Valid() {
		return invalid("source_type", "unknown source type %q", in.Record.SourceType)
	}
	if in.Record.SourceType == SourceManualEntry {
		return fmt.Errorf("%w: manual entries are not refundable", ErrUnsupported)
	}
	if err := ValidateAmount("amount", in.Amount); err != nil {
		return err
	}
	if in.Reason == "" {
		return invalid("reason", "is required to refund a payment")
	}
	return nil
}

// Refund reverses up to the full amount of a completed payment record.
func (s *Service) Refund(ctx context.Context, rc RequestContext, in RefundInput) (*LedgerEntry, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var entry *LedgerEntry
	err := s.Store.WithTx(ctx, func(st Store) error {
		var err error
		entry, err = s.refund(ctx, st, rc, in, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterRefund(ctx, rc, in, entry)
	return entry, nil
}

// refund runs inside the caller's transaction.
func (s *Service) refund(ctx context.Context, st Store, rc RequestContext, in RefundInput, now time.Time) (*LedgerEntry, error) {
	rec, err := st.GetPaymentRecord(ctx, in.Record)
	if err != nil {
		return nil, Persist("get payment record", err)
	}
	if in.Amount.GreaterThan(rec.Amount) {
		return nil, invalid("amount", "refund %s exceeds original amount %s",
			in.Amount.StringFixed(MinorUnits), rec.Amount.StringFixed(MinorUnits))
	}
	if rec.Status != PaymentCompleted {
		return nil, &InvalidStateError{Resource: ResourceFor(rec.SourceType), ID: rec.ID, Status: string(rec.Status), Operation: "refund"}
	}

	err = apply(ctx, st, Transition{
		Resource:  ResourceFor(rec.SourceType),
		ID:        rec.ID,
		Field:     FieldStatus,
		From:      string(PaymentCompleted),
		To:        string(PaymentRefunded),
		By:        rc.Actor.ID,
		Reason:    in.Reason,
		At:        now,
		Operation: "refund",
	})
	if err != nil {
		return nil, err
	}

	credit, err := creditingEntry(ctx, st, rec)
	if err != nil {
		return nil, err
	}
	var (
		classID  int64
		hasClass bool
	)
	if credit != nil {
		if credit.ClassID != nil {
			classID, hasClass = *credit.ClassID, true
		}
	} else if classID, hasClass, err = resolveClass(ctx, st, rec.StudentID, rec.ClassID); err != nil {
		return nil, err
	}
	method := in.Method
	if method == "" {
		method = rec.PaymentMethod
	}
	entry := &LedgerEntry{
		StudentID:        rec.StudentID,
		TransactionType:  TxRefund,
		PaymentMethod:    method,
		Amount:           in.Amount,
		Currency:         rec.Currency,
		Description:      fmt.Sprintf("Refund of %s #%d: %s", rec.SourceType, rec.ID, in.Reason),
		Status:           PaymentCompleted,
		IsVerified:       true,
		VerifiedBy:       rc.Actor.ID,
		VerifiedAt:       now,
		PaymentReference: RefundReference(in.Record),
		SourceType:       rec.SourceType,
		SourceID:         rec.ID,
		CreatedAt:        now,
	}
	if hasClass {
		entry.ClassID = &classID
	}
	if entry.ID, err = st.AppendEntry(ctx, entry); err != nil {
		return nil, Persist("append refund entry", err)
	}

	if credit == nil {
		s.log().Info("refunded payment was never posted; financial status untouched",
			zap.String("student_id", rec.StudentID),
			zap.String("reference", entry.PaymentReference))
		return entry, nil
	}
	if !hasClass {
		s.log().Warn("refund posted without a class; financial status untouched",
			zap.String("student_id", rec.StudentID),
			zap.String("reference", entry.PaymentReference))
		return entry, nil
	}
	fs, err := loadStatus(ctx, st, rec.StudentID, classID, now)
	if err != nil {
		return nil, err
	}
	if err := st.SaveFinancialStatus(ctx, fs.Debit(in.Amount, now)); err != nil {
		return nil, Persist("save financial status", err)
	}
	return entry, nil
}

// creditingEntry returns the ledger entry that posted rec, or nil when rec
// never reached the ledger and so never credited a balance.
func creditingEntry(ctx context.Context, st Store, rec *PaymentRecord) (*LedgerEntry, error) {
	e, err := st.EntryByReference(ctx, rec.Reference)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Persist("get original entry", err)
	}
	if e.SourceType != rec.SourceType || e.SourceID != rec.ID {
		return nil, nil
	}
	return e, nil
}

func (s *Service) afterRefund(ctx context.Context, rc RequestContext, in RefundInput, entry *LedgerEntry) {
	s.log().Info("payment refunded",
		zap.String("source_type", string(in.Record.SourceType)),
		zap.Int64("source_id", in.Record.ID),
		zap.Int64("entry_id", entry.ID),
		zap.String("amount", in.Amount.StringFixed(MinorUnits)))
	s.record(ctx, rc, "refund_payment",
		fmt.Sprintf("Refunded %s of %s #%d: %s", FormatAmount(in.Amount, entry.Currency), in.Record.SourceType, in.Record.ID, in.Reason),
		string(in.Record.SourceType), in.Record.ID)
}
