/*
reconcile.go - Posting verified payments to the ledger

PURPOSE:
  Turns a verified claim into its financial effect. One Post is one
  database transaction:

    1. If a LedgerEntry already carries this payment reference, return it
    2. Append a LedgerEntry (completed, verified)
    3. Credit the student's FinancialStatus for the class, creating the row
       from the class fee schedule when absent
    4. Flip a linked ManualPaymentEntry pending -> verified

  Either all four happen or none do. Step 1 makes Post safe to retry, which
  is what Repair and the sweeper rely on after a degraded verification.

CLASS RESOLUTION:
  The posting's class if it has one, else the student's current class.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Posting is everything Post needs, independent of where the claim came from.
type Posting struct {
	PaymentReference string
	StudentID        string
	ClassID          *int64
	PaymentType      string
	PaymentMethod    string
	Amount           decimal.Decimal
	Currency         string
	Description      string
	VerifiedBy       string
	VerifiedAt       time.Time

	// Which record the entry settles. Empty for claims with no source row.
	SourceType SourceType
	SourceID   int64

	ManualEntryID *int64
}

// PostingForRequest builds the posting for a verified VerificationRequest.
func PostingForRequest(vr *VerificationRequest) Posting {
	p := Posting{
		PaymentReference: vr.PaymentReference,
		StudentID:        vr.StudentID,
		ClassID:          vr.ClassID,
		PaymentType:      vr.PaymentType,
		PaymentMethod:    vr.PaymentMethod,
		Amount:           vr.Amount,
		Currency:         vr.Currency,
		Description:      fmt.Sprintf("Verified %s payment %s", vr.PaymentType, vr.PaymentReference),
		VerifiedBy:       vr.VerifiedBy,
		ManualEntryID:    vr.ManualEntryID,
	}
	if vr.VerifiedAt != nil {
		p.VerifiedAt = *vr.VerifiedAt
	}
	if vr.ManualEntryID != nil {
		p.SourceType = SourceManualEntry
		p.SourceID = *vr.ManualEntryID
	}
	return p
}

// PostingForRecord builds the posting for a verified payment record.
func PostingForRecord(r *PaymentRecord) Posting {
	p := Posting{
		PaymentReference: r.Reference,
		StudentID:        r.StudentID,
		ClassID:          r.ClassID,
		PaymentType:      r.PaymentType,
		PaymentMethod:    r.PaymentMethod,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Description:      r.Description,
		VerifiedBy:       r.VerifiedBy,
		SourceType:       r.SourceType,
		SourceID:         r.ID,
	}
	if r.VerifiedAt != nil {
		p.VerifiedAt = *r.VerifiedAt
	}
	if p.Description == "" {
		p.Description = fmt.Sprintf("Verified %s %d", r.SourceType, r.ID)
	}
	return p
}

func (p Posting) validate() error {
	if p.PaymentReference == "" {
		return invalid("payment_reference", "is required")
	}
	if p.StudentID == "" {
		return invalid("student_id", "is required")
	}
	return ValidateAmount("amount", p.Amount)
}

// Post settles a verified claim. It is idempotent on PaymentReference.
func (s *Service) Post(ctx context.Context, p Posting) (*LedgerEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	if p.VerifiedAt.IsZero() {
		p.VerifiedAt = now
	}

	var (
		entry  *LedgerEntry
		status FinancialStatus
		replay bool
	)
	err := s.Store.WithTx(ctx, func(st Store) error {
		existing, err := st.EntryByReference(ctx, p.PaymentReference)
		switch {
		case err == nil:
			entry, replay = existing, true
			return nil
		case !errors.Is(err, ErrNotFound):
			return Persist("lookup entry", err)
		}

		classID, ok, err := resolveClass(ctx, st, p.StudentID, p.ClassID)
		if err != nil {
			return err
		}
		if !ok {
			return invalid("class_id", "student %s has no class to post against", p.StudentID)
		}

		e := &LedgerEntry{
			StudentID:        p.StudentID,
			ClassID:          &classID,
			TransactionType:  TransactionTypeFor(p.PaymentType),
			PaymentMethod:    p.PaymentMethod,
			Amount:           p.Amount,
			Currency:         p.Currency,
			Description:      p.Description,
			Status:           PaymentCompleted,
			IsVerified:       true,
			VerifiedBy:       p.VerifiedBy,
			VerifiedAt:       p.VerifiedAt,
			PaymentReference: p.PaymentReference,
			SourceType:       p.SourceType,
			SourceID:         p.SourceID,
			CreatedAt:        now,
		}
		e.ID, err = st.AppendEntry(ctx, e)
		if err != nil {
			return Persist("append entry", err)
		}

		fs, err := loadStatus(ctx, st, p.StudentID, classID, now)
		if err != nil {
			return err
		}
		status = fs.Credit(p.Amount, now)
		if err := st.SaveFinancialStatus(ctx, status); err != nil {
			return Persist("save financial status", err)
		}

		if p.ManualEntryID != nil {
			err := apply(ctx, st, Transition{
				Resource:  ResourceManualEntry,
				ID:        *p.ManualEntryID,
				Field:     FieldStatus,
				From:      string(ManualPending),
				To:        string(ManualVerified),
				By:        p.VerifiedBy,
				At:        now,
				Operation: "process",
			})
			// The link is weak: a missing or already-resolved entry does not block posting.
			if err != nil && !errors.Is(err, ErrAlreadyProcessed) && !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replay {
		s.log().Debug("posting replayed", zap.String("reference", p.PaymentReference))
		return entry, nil
	}
	s.log().Info("payment posted",
		zap.String("reference", p.PaymentReference),
		zap.String("student_id", p.StudentID),
		zap.Int64("entry_id", entry.ID),
		zap.String("amount", p.Amount.StringFixed(MinorUnits)))
	if status.Overpaid() {
		s.log().Warn("student balance is negative",
			zap.String("student_id", status.StudentID),
			zap.Int64("class_id", status.ClassID),
			zap.String("balance", status.Balance.StringFixed(MinorUnits)))
	}
	return entry, nil
}

// resolveClass returns the posting class, falling back to the student's
// current class. ok is false when neither exists.
func resolveClass(ctx context.Context, st Store, studentID string, classID *int64) (int64, bool, error) {
	if classID != nil {
		return *classID, true, nil
	}
	id, err := st.StudentClass(ctx, studentID)
	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, ErrNotFound):
		return 0, false, nil
	default:
		return 0, false, Persist("student class", err)
	}
}

// loadStatus returns the student's status row, opening one from the class
// fee schedule when absent.
func loadStatus(ctx context.Context, st Store, studentID string, classID int64, now time.Time) (FinancialStatus, error) {
	fs, err := st.GetFinancialStatus(ctx, studentID, classID)
	if err == nil {
		return *fs, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return FinancialStatus{}, Persist("get financial status", err)
	}
	fee, err := st.ClassFee(ctx, classID)
	if err != nil {
		return FinancialStatus{}, Persist("class fee", err)
	}
	return NewFinancialStatus(studentID, classID, fee, now), nil
}
