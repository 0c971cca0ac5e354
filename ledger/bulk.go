/*
bulk.go - Bulk verify and staged bulk refund

BULK VERIFY:
  Not all-or-nothing. Every item is verified and posted in its own
  transactions on a bounded worker pool; one item's failure never touches
  another. Results keep input order. Only gateway transactions can be
  verified in bulk. Registration and course fees go through their own
  verification path and are reported Unsupported.

  Cancelling the context stops new items from starting. Items already
  committed stay committed; the rest are reported Cancelled.

BULK REFUND:
  Refunds always need a typed reason, so a bulk refund never refunds
  anything. It stages the items under a handle, and each item is then
  confirmed one at a time with its own amount and reason
  (ConfirmStagedRefund).
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errCancelled = errors.New("cancelled before processing")

// BulkFailure is one failed item with its short reason label (see Reason).
type BulkFailure struct {
	Item   RecordRef `json:"item"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

type BulkResult struct {
	Succeeded []RecordRef   `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkVerify verifies and posts each item independently.
func (s *Service) BulkVerify(ctx context.Context, rc RequestContext, items []RecordRef) (*BulkResult, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, invalid("items", "at least one item is required")
	}

	outcomes := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(s.workers())
	for i, item := range items {
		if ctx.Err() != nil {
			outcomes[i] = errCancelled
			continue
		}
		i, item := i, item
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = errCancelled
				return nil
			}
			outcomes[i] = s.verifyItem(ctx, rc, item)
			return nil
		})
	}
	_ = g.Wait()

	res := &BulkResult{Succeeded: []RecordRef{}, Failed: []BulkFailure{}}
	for i, err := range outcomes {
		if err == nil {
			res.Succeeded = append(res.Succeeded, items[i])
			continue
		}
		res.Failed = append(res.Failed, BulkFailure{Item: items[i], Reason: Reason(err), Detail: err.Error()})
	}

	s.log().Info("bulk verify",
		zap.Int("items", len(items)),
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)))
	s.record(ctx, rc, "bulk_verify",
		fmt.Sprintf("Bulk verified %d of %d payments", len(res.Succeeded), len(items)), "bulk", int64(len(items)))
	return res, nil
}

// verifyItem marks one gateway transaction verified and posts it.
func (s *Service) verifyItem(ctx context.Context, rc RequestContext, item RecordRef) error {
	if item.SourceType != SourceGatewayTransaction {
		return fmt.Errorf("%w: %s payments are verified through their own workflow", ErrUnsupported, item.SourceType)
	}
	now := s.now()

	var rec *PaymentRecord
	err := s.Store.WithTx(ctx, func(st Store) error {
		err := apply(ctx, st, Transition{
			Resource:      ResourceGatewayTransaction,
			ID:            item.ID,
			Field:         FieldVerified,
			From:          Unverified,
			To:            Verified,
			RequireStatus: string(PaymentCompleted),
			By:            rc.Actor.ID,
			At:            now,
			Operation:     "verify",
		})
		if err != nil {
			return err
		}
		rec, err = st.GetPaymentRecord(ctx, item)
		return Persist("get payment record", err)
	})
	if err != nil {
		return err
	}

	if _, err := s.Post(ctx, PostingForRecord(rec)); err != nil {
		return &ProcessingError{RequestID: item.ID, Err: err}
	}
	return nil
}

// =============================================================================
// STAGED REFUNDS
// =============================================================================

// StagedRefund is one item of a staging. ConfirmedAt is set once refunded.
type StagedRefund struct {
	Item        RecordRef  `json:"item"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	EntryID     *int64     `json:"entry_id,omitempty"`
}

type RefundStaging struct {
	Handle    string         `json:"handle"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	Items     []StagedRefund `json:"items"`

	// Items that can never be refunded, reported at staging time.
	Skipped []BulkFailure `json:"skipped"`
}

// Item returns the staged item for ref.
func (rs *RefundStaging) Item(ref RecordRef) (*StagedRefund, bool) {
	for i := range rs.Items {
		if rs.Items[i].Item == ref {
			return &rs.Items[i], true
		}
	}
	return nil, false
}

// BulkRefund stages items for individual confirmation and returns the staging.
func (s *Service) BulkRefund(ctx context.Context, rc RequestContext, items []RecordRef) (*RefundStaging, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, invalid("items", "at least one item is required")
	}

	staging := RefundStaging{
		Handle:    uuid.NewString(),
		CreatedBy: rc.Actor.ID,
		CreatedAt: s.now(),
		Items:     []StagedRefund{},
		Skipped:   []BulkFailure{},
	}
	seen := make(map[RecordRef]bool, len(items))
	for _, item := range items {
		switch {
		case seen[item]:
			continue
		case !item.SourceType.Valid():
			err := invalid("source_type", "unknown source type %q", item.SourceType)
			staging.Skipped = append(staging.Skipped, BulkFailure{Item: item, Reason: Reason(err), Detail: err.Error()})
		case item.SourceType == SourceManualEntry:
			staging.Skipped = append(staging.Skipped, BulkFailure{Item: item, Reason: Reason(ErrUnsupported), Detail: "manual entries are not refundable"})
		default:
			staging.Items = append(staging.Items, StagedRefund{Item: item})
		}
		seen[item] = true
	}

	err := s.Store.WithTx(ctx, func(st Store) error {
		return Persist("save refund staging", st.SaveRefundStaging(ctx, staging))
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, rc, "stage_refunds",
		fmt.Sprintf("Staged %d payments for refund (%s)", len(staging.Items), staging.Handle), "refund_staging", int64(len(staging.Items)))
	return &staging, nil
}

// RefundStaging reads a staging by handle.
func (s *Service) RefundStaging(ctx context.Context, rc RequestContext, handle string) (*RefundStaging, error) {
	if err := s.authorizeRead(rc); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(handle); err != nil {
		return nil, invalid("handle", "not a staging handle")
	}
	var staging *RefundStaging
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		staging, err = st.GetRefundStaging(ctx, handle)
		return Persist("get refund staging", err)
	})
	return staging, err
}

// ConfirmStagedRefund refunds one staged item and marks it confirmed, in one
// transaction.
func (s *Service) ConfirmStagedRefund(ctx context.Context, rc RequestContext, handle string, in RefundInput) (*LedgerEntry, error) {
	if err := s.authorize(rc); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(handle); err != nil {
		return nil, invalid("handle", "not a staging handle")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var entry *LedgerEntry
	err := s.Store.WithTx(ctx, func(st Store) error {
		staging, err := st.GetRefundStaging(ctx, handle)
		if err != nil {
			return Persist("get refund staging", err)
		}
		item, ok := staging.Item(in.Record)
		if !ok {
			return invalid("record", "%s #%d is not part of staging %s", in.Record.SourceType, in.Record.ID, handle)
		}
		if item.ConfirmedAt != nil {
			return ErrAlreadyProcessed
		}
		if entry, err = s.refund(ctx, st, rc, in, now); err != nil {
			return err
		}
		return Persist("confirm staged item", st.ConfirmStagedItem(ctx, handle, in.Record, entry.ID, now))
	})
	if err != nil {
		return nil, err
	}
	s.afterRefund(ctx, rc, in, entry)
	return entry, nil
}
