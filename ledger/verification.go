/*
verification.go - Verification request state machine

STATES:
  pending ──verify──▶ verified   (then posted, see reconcile.go)
     │
     ├────reject────▶ rejected   (reason required, student notified)
     │
     └────cancel────▶ cancelled  (silent withdrawal)

  Every non-pending state is terminal. Each arrow is one Transition, so two
  admins acting on the same request get exactly one success; the other gets
  ErrAlreadyProcessed.

DEGRADED VERIFICATION:
  The status flip and the posting are separate transactions. If posting
  fails after the flip, the request stays verified (so it cannot be verified
  twice) and Verify returns a Degraded result together with a
  *ProcessingError. Repair, or the background sweeper, posts it later; the
  payment-reference guard in Post keeps that from double-posting.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// VerificationResult is the outcome of Verify or Repair.
type VerificationResult struct {
	Request *VerificationRequest
	Entry   *LedgerEntry

	// Degraded means the request is verified but nothing was posted.
	Degraded bool
}

// GetVerificationRequest reads one request.
func (s *Service) GetVerificationRequest(ctx context.Context, rc RequestContext, id int64) (*VerificationRequest, error) {
	if err := s.authorizeRead(rc); err != nil {
		return nil, err
	}
	var vr *VerificationRequest
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		vr, err = st.GetVerificationRequest(ctx, id)
		return Persist("get verification request", err)
	})
	return vr, err
}

// Verify moves a request pending -> verified and posts it.
func (s *Service) Verify(ctx context.Context, rc RequestContext, id int64) (*VerificationResult, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	now := s.now()

	var vr *VerificationRequest
	err := s.Store.WithTx(ctx, func(st Store) error {
		err := apply(ctx, st, Transition{
			Resource:  ResourceVerificationRequest,
			ID:        id,
			Field:     FieldStatus,
			From:      string(VerificationPending),
			To:        string(VerificationVerified),
			By:        rc.Actor.ID,
			At:        now,
			Operation: "verify",
		})
		if err != nil {
			return err
		}
		vr, err = st.GetVerificationRequest(ctx, id)
		return Persist("get verification request", err)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, rc, "verify_payment", "Verified payment "+vr.PaymentReference, "verification_request", id)

	entry, err := s.Post(ctx, PostingForRequest(vr))
	if err != nil {
		s.log().Error("verified request was not posted",
			zap.Int64("request_id", id),
			zap.String("reference", vr.PaymentReference),
			zap.Error(err))
		return &VerificationResult{Request: vr, Degraded: true}, &ProcessingError{RequestID: id, Err: err}
	}
	return &VerificationResult{Request: vr, Entry: entry}, nil
}

// Reject moves a request pending -> rejected, rejects a linked manual entry
// and queues a notification to the student, all in one transaction.
func (s *Service) Reject(ctx context.Context, rc RequestContext, id int64, reason string) (*VerificationRequest, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required to reject a payment")
	}
	now := s.now()

	var vr *VerificationRequest
	err := s.Store.WithTx(ctx, func(st Store) error {
		err := apply(ctx, st, Transition{
			Resource:  ResourceVerificationRequest,
			ID:        id,
			Field:     FieldStatus,
			From:      string(VerificationPending),
			To:        string(VerificationRejected),
			By:        rc.Actor.ID,
			Reason:    reason,
			At:        now,
			Operation: "reject",
		})
		if err != nil {
			return err
		}
		vr, err = st.GetVerificationRequest(ctx, id)
		if err != nil {
			return Persist("get verification request", err)
		}

		if vr.ManualEntryID != nil {
			err := apply(ctx, st, Transition{
				Resource:  ResourceManualEntry,
				ID:        *vr.ManualEntryID,
				Field:     FieldStatus,
				From:      string(ManualPending),
				To:        string(ManualRejected),
				By:        rc.Actor.ID,
				Reason:    reason,
				At:        now,
				Operation: "reject",
			})
			if err != nil && !errors.Is(err, ErrAlreadyProcessed) && !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		return Persist("enqueue notification", st.EnqueueNotification(ctx, Notification{
			UserID: vr.StudentID,
			Title:  "Payment verification rejected",
			Message: fmt.Sprintf("Your payment %s of %s was rejected: %s",
				vr.PaymentReference, FormatAmount(vr.Amount, vr.Currency), reason),
			CreatedAt: now,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, rc, "reject_payment", "Rejected payment "+vr.PaymentReference+": "+reason, "verification_request", id)
	return vr, nil
}

// Cancel withdraws a pending request. No notification is sent, and a linked
// manual entry is left pending.
func (s *Service) Cancel(ctx context.Context, rc RequestContext, id int64) (*VerificationRequest, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	now := s.now()

	var vr *VerificationRequest
	err := s.Store.WithTx(ctx, func(st Store) error {
		err := apply(ctx, st, Transition{
			Resource:  ResourceVerificationRequest,
			ID:        id,
			Field:     FieldStatus,
			From:      string(VerificationPending),
			To:        string(VerificationCancelled),
			By:        rc.Actor.ID,
			At:        now,
			Operation: "cancel",
		})
		if err != nil {
			return err
		}
		vr, err = st.GetVerificationRequest(ctx, id)
		return Persist("get verification request", err)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, rc, "cancel_verification", "Cancelled payment "+vr.PaymentReference, "verification_request", id)
	return vr, nil
}

// =============================================================================
// REPAIR - Re-post verified requests whose posting failed
// =============================================================================

// Repair posts a verified request. It returns the existing entry when the
// request was already posted.
func (s *Service) Repair(ctx context.Context, rc RequestContext, id int64) (*VerificationResult, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	var vr *VerificationRequest
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		vr, err = st.GetVerificationRequest(ctx, id)
		return Persist("get verification request", err)
	})
	if err != nil {
		return nil, err
	}
	if vr.Status != VerificationVerified {
		return nil, &InvalidStateError{Resource: ResourceVerificationRequest, ID: id, Status: string(vr.Status), Operation: "repair"}
	}

	entry, err := s.Post(ctx, PostingForRequest(vr))
	if err != nil {
		return &VerificationResult{Request: vr, Degraded: true}, &ProcessingError{RequestID: id, Err: err}
	}
	return &VerificationResult{Request: vr, Entry: entry}, nil
}

// RepairReport summarizes one RepairUnposted sweep.
type RepairReport struct {
	Posted int
	Failed int
}

// RepairUnposted posts up to limit verified requests and verified gateway
// transactions that have no ledger entry yet.
func (s *Service) RepairUnposted(ctx context.Context, limit int) (RepairReport, error) {
	var (
		requests []VerificationRequest
		records  []PaymentRecord
	)
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		if requests, err = st.ListVerifiedUnposted(ctx, limit); err != nil {
			return Persist("list unposted requests", err)
		}
		if records, err = st.ListVerifiedGatewayUnposted(ctx, limit); err != nil {
			return Persist("list unposted gateway transactions", err)
		}
		return nil
	})
	if err != nil {
		return RepairReport{}, err
	}

	var report RepairReport
	postings := make([]Posting, 0, len(requests)+len(records))
	for i := range requests {
		postings = append(postings, PostingForRequest(&requests[i]))
	}
	for i := range records {
		postings = append(postings, PostingForRecord(&records[i]))
	}
	for _, p := range postings {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := s.Post(ctx, p); err != nil {
			report.Failed++
			s.log().Warn("repair posting failed", zap.String("reference", p.PaymentReference), zap.Error(err))
			continue
		}
		report.Posted++
	}
	if report.Posted+report.Failed > 0 {
		s.log().Info("repair sweep", zap.Int("posted", report.Posted), zap.Int("failed", report.Failed))
	}
	return report, nil
}
