/*
store.go - Persistence interfaces for the ledger and verification workflow

PURPOSE:
  Defines the boundary between the workflow logic and the database. The
  logic never sees SQL; it sees a Store scoped to one database transaction.

KEY INTERFACES:
  Store:         Row-level reads and writes, always inside a transaction
  TxStore:       Opens transactions (WithTx for writes, View for reads)
  SourceAdapter: Read-only projection of one payment source table

APPEND-ONLY CONTRACT:
  LedgerEntry rows are only ever inserted (AppendEntry). There is no
  update or delete for them. payment_reference is UNIQUE and doubles as the
  replay guard: EntryByReference is checked before every posting.

STATE CHANGES:
  Status columns change only through Transition, which is a conditional
  UPDATE (see transition.go). There is no unconditional status setter.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql + go-sqlite3

SEE ALSO:
  - transition.go: the conditional update primitive
  - view.go: Filter and Aggregates consumed by SourceAdapter
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Transaction-scoped persistence
// =============================================================================

type Store interface {
	// Transition applies t as a single conditional UPDATE and returns the
	// number of affected rows (0 or 1).
	Transition(ctx context.Context, t Transition) (int64, error)

	// TransitionState reads the guarded field and the status column of a row.
	// Returns ErrNotFound when the row does not exist.
	TransitionState(ctx context.Context, r Resource, f Field, id int64) (TransitionState, error)

	// Verification requests
	CreateVerificationRequest(ctx context.Context, vr *VerificationRequest) (int64, error)
	GetVerificationRequest(ctx context.Context, id int64) (*VerificationRequest, error)
	ListVerifiedUnposted(ctx context.Context, limit int) ([]VerificationRequest, error)

	// Manual entries. CreateManualEntry returns *DuplicateReferenceError when
	// the UNIQUE index on transaction_reference fires.
	ReferenceTaken(ctx context.Context, reference string) (bool, error)
	CreateManualEntry(ctx context.Context, e *ManualPaymentEntry) (int64, error)
	LinkVerificationRequest(ctx context.Context, entryID, requestID int64) error
	GetManualEntry(ctx context.Context, id int64) (*ManualPaymentEntry, error)

	// Payment records from the source tables.
	GetPaymentRecord(ctx context.Context, ref RecordRef) (*PaymentRecord, error)
	ListVerifiedGatewayUnposted(ctx context.Context, limit int) ([]PaymentRecord, error)

	// Ledger (append-only). EntryByReference returns ErrNotFound when absent.
	EntryByReference(ctx context.Context, paymentReference string) (*LedgerEntry, error)
	AppendEntry(ctx context.Context, e *LedgerEntry) (int64, error)

	// Financial status. GetFinancialStatus returns ErrNotFound when absent.
	GetFinancialStatus(ctx context.Context, studentID string, classID int64) (*FinancialStatus, error)
	SaveFinancialStatus(ctx context.Context, fs FinancialStatus) error
	IntegrityFaults(ctx context.Context) ([]FinancialStatus, error)

	// Upstream rows, consumed as they are.
	StudentClass(ctx context.Context, studentID string) (int64, error)
	ClassFee(ctx context.Context, classID int64) (decimal.Decimal, error)
	AdminIDs(ctx context.Context) ([]string, error)

	// Notification outbox.
	EnqueueNotification(ctx context.Context, n Notification) error
	PendingNotifications(ctx context.Context, limit int) ([]Notification, error)
	MarkNotificationSent(ctx context.Context, id int64, at time.Time) error

	// Refund stagings.
	SaveRefundStaging(ctx context.Context, s RefundStaging) error
	GetRefundStaging(ctx context.Context, handle string) (*RefundStaging, error)
	ConfirmStagedItem(ctx context.Context, handle string, ref RecordRef, entryID int64, at time.Time) error

	// Source returns the adapter for t bound to this store, so a query over
	// several sources reads one snapshot.
	Source(t SourceType) (SourceAdapter, bool)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore opens database transactions.
type TxStore interface {
	// WithTx executes fn within a write transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// View executes fn within a read-only transaction.
	View(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SOURCE ADAPTER - One per payment source table
// =============================================================================

// SourceAdapter projects one heterogeneous payment table into PaymentRecords.
// Adapters have no side effects. Rows missing a required join target are
// excluded, never null-filled.
type SourceAdapter interface {
	Source() SourceType

	// List returns at most limit rows matching f, ordered by created_at desc, id asc.
	List(ctx context.Context, f Filter, limit int) ([]PaymentRecord, error)

	// Summarize returns counts and exact sums over every row matching f.
	Summarize(ctx context.Context, f Filter) (Aggregates, error)
}
