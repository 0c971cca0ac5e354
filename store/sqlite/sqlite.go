/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.TxStore (WithTx, View), the transaction-scoped
  ledger.Store, and one ledger.SourceAdapter per payment source table.
  The same SQL runs on PostgreSQL with minor dialect changes.

KEY TABLES:
  Upstream (consumed as existing rows):
    students, classes, programs, courses, users
  Payment sources:
    gateway_transactions, registration_fee_payments, course_fee_payments
  Workflow:
    manual_payment_entries:   admin-keyed payments (transaction_reference UNIQUE)
    verification_requests:    claims awaiting adjudication (payment_reference UNIQUE)
    ledger_entries:           posted effects, append-only (payment_reference UNIQUE)
    student_financial_status: running balance per (student_id, class_id)
    notifications:            outbox drained by the sweeper
    refund_stagings, refund_staging_items

MONEY:
  Stored as INTEGER minor units (amount_minor) so SUM() is exact.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so they sort lexicographically
  and date-range filters are plain string comparisons.

CONCURRENCY:
  Write transactions are serialized by a mutex and opened with
  BEGIN IMMEDIATE (_txlock=immediate). Status changes are conditional
  UPDATEs, so correctness does not depend on the mutex; it only keeps
  writers from tripping over SQLITE_BUSY. Reads (View) run in a
  BEGIN DEFERRED transaction on a single connection, so a page and its
  aggregates come from one snapshot. An in-memory database is
  limited to one connection, because every new connection to ":memory:"
  would open a separate, empty database.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, store.Sources()...)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - queries.go: ledger.Store
  - sources.go: source adapters
  - fixtures.go: upstream rows, used by the scenario loader and tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Upstream rows. The ledger reads these and never writes them in normal operation.
	CREATE TABLE IF NOT EXISTS classes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		fee_minor INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS programs (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		program_type TEXT NOT NULL,
		registration_fee_minor INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY,
		program_id INTEGER NOT NULL REFERENCES programs(id),
		name TEXT NOT NULL,
		fee_minor INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		class_id INTEGER REFERENCES classes(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL
	);

	-- Payment sources. student_id is deliberately not a foreign key: sources
	-- are written upstream and adapters drop rows whose student is missing.
	CREATE TABLE IF NOT EXISTS gateway_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		class_id INTEGER,
		program_id INTEGER,
		transaction_type TEXT NOT NULL DEFAULT 'tuition',
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		is_verified INTEGER NOT NULL DEFAULT 0,
		verified_by TEXT,
		verified_at TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gateway_created ON gateway_transactions(created_at DESC, id);
	CREATE INDEX IF NOT EXISTS idx_gateway_student ON gateway_transactions(student_id);

	CREATE TABLE IF NOT EXISTS registration_fee_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		program_id INTEGER NOT NULL,
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		is_verified INTEGER NOT NULL DEFAULT 0,
		verified_by TEXT,
		verified_at TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_registration_created ON registration_fee_payments(created_at DESC, id);

	CREATE TABLE IF NOT EXISTS course_fee_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		course_id INTEGER NOT NULL,
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		is_verified INTEGER NOT NULL DEFAULT 0,
		verified_by TEXT,
		verified_at TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_course_created ON course_fee_payments(created_at DESC, id);

	-- Manual entries. transaction_reference is the intake uniqueness guard.
	CREATE TABLE IF NOT EXISTS manual_payment_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		admin_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		student_id TEXT,
		client_name TEXT NOT NULL DEFAULT '',
		client_email TEXT NOT NULL DEFAULT '',
		client_phone TEXT NOT NULL DEFAULT '',
		service_category TEXT NOT NULL DEFAULT '',
		program_id INTEGER,
		course_id INTEGER,
		class_id INTEGER,
		payment_type TEXT NOT NULL DEFAULT '',
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		transaction_reference TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		processed_at TEXT,
		verification_request_id INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_manual_reference
		ON manual_payment_entries(transaction_reference);
	CREATE INDEX IF NOT EXISTS idx_manual_created ON manual_payment_entries(created_at DESC, id);

	-- manual_entry_id is a weak link: no foreign key, no cascade.
	CREATE TABLE IF NOT EXISTS verification_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_reference TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		program_id INTEGER,
		course_id INTEGER,
		class_id INTEGER,
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		proof_text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		verified_by TEXT,
		verified_at TEXT,
		rejection_reason TEXT,
		manual_entry_id INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (status <> 'rejected' OR COALESCE(rejection_reason, '') <> '')
	);

	CREATE INDEX IF NOT EXISTS idx_vr_status ON verification_requests(status);

	CREATE TABLE IF NOT EXISTS student_financial_status (
		student_id TEXT NOT NULL,
		class_id INTEGER NOT NULL,
		total_fee_minor INTEGER NOT NULL,
		paid_minor INTEGER NOT NULL,
		balance_minor INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (student_id, class_id)
	);

	-- Posted entries (append-only). payment_reference is the replay guard.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id TEXT NOT NULL,
		class_id INTEGER,
		transaction_type TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		currency TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		is_verified INTEGER NOT NULL,
		verified_by TEXT,
		verified_at TEXT NOT NULL,
		payment_reference TEXT NOT NULL UNIQUE,
		source_type TEXT,
		source_id INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_student ON ledger_entries(student_id, class_id);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(id) WHERE sent_at IS NULL;

	CREATE TABLE IF NOT EXISTS refund_stagings (
		handle TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		skipped_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS refund_staging_items (
		handle TEXT NOT NULL REFERENCES refund_stagings(handle),
		position INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id INTEGER NOT NULL,
		confirmed_at TEXT,
		entry_id INTEGER,
		PRIMARY KEY (handle, source_type, source_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn receives a store
// bound to the transaction; it must not call back into s.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Persist("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return ledger.Persist("commit", sqlTx.Commit())
}

// View runs fn inside a deferred read transaction on one connection, so
// every read fn makes sees the same snapshot. BEGIN DEFERRED takes no write
// lock, and View does not take the writer mutex. fn must not write.
func (s *Store) View(ctx context.Context, fn func(ledger.Store) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return ledger.Persist("acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return ledger.Persist("begin read transaction", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")

	return fn(&queries{q: conn})
}

// Sources returns one adapter per payment source table, in tie-break order.
func (s *Store) Sources() []ledger.SourceAdapter {
	out := make([]ledger.SourceAdapter, 0, len(ledger.SourceTypes))
	for _, st := range ledger.SourceTypes {
		out = append(out, &Adapter{q: s.db, src: sources[st]})
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func nullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func minor(d decimal.Decimal) int64 {
	return ledger.ToMinor(d)
}

func fromMinor(v int64) decimal.Decimal {
	return ledger.FromMinor(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}
