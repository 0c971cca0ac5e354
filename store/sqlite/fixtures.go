package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// UPSTREAM ROWS - Written by school administration, read by the ledger
// =============================================================================

type Class struct {
	ID   int64
	Name string
	Fee  decimal.Decimal
}

type Program struct {
	ID              int64
	Name            string
	ProgramType     string
	RegistrationFee decimal.Decimal
}

type Course struct {
	ID        int64
	ProgramID int64
	Name      string
	Fee       decimal.Decimal
}

type Student struct {
	ID      string
	Name    string
	Email   string
	Phone   string
	ClassID *int64
}

type User struct {
	ID   string
	Name string
	Role ledger.Role
}

// SaveClass upserts a class and its fee.
func (s *Store) SaveClass(ctx context.Context, c Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classes (id, name, fee_minor) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, fee_minor = excluded.fee_minor`,
		c.ID, c.Name, minor(c.Fee))
	return err
}

func (s *Store) SaveProgram(ctx context.Context, p Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (id, name, program_type, registration_fee_minor) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			program_type = excluded.program_type,
			registration_fee_minor = excluded.registration_fee_minor`,
		p.ID, p.Name, p.ProgramType, minor(p.RegistrationFee))
	return err
}

func (s *Store) SaveCourse(ctx context.Context, c Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, program_id, name, fee_minor) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			program_id = excluded.program_id, name = excluded.name, fee_minor = excluded.fee_minor`,
		c.ID, c.ProgramID, c.Name, minor(c.Fee))
	return err
}

func (s *Store) SaveStudent(ctx context.Context, st Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, email, phone, class_id) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email,
			phone = excluded.phone, class_id = excluded.class_id`,
		st.ID, st.Name, st.Email, st.Phone, nullInt(st.ClassID))
	return err
}

func (s *Store) SaveUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.ID, u.Name, string(u.Role))
	return err
}

// =============================================================================
// SOURCE ROWS - What the gateway and fee flows write
// =============================================================================

// Payment is a row for any of the three payment source tables. Fields that
// a table does not have are ignored.
type Payment struct {
	Reference       string
	StudentID       string
	ClassID         *int64 // gateway only
	ProgramID       *int64 // gateway (optional) and registration fee (required)
	CourseID        int64  // course fee only
	TransactionType string // gateway only, defaults to tuition
	Amount          decimal.Decimal
	Currency        string
	PaymentMethod   string
	Status          ledger.PaymentStatus
	IsVerified      bool
	Description     string
	CreatedAt       time.Time
}

func (p Payment) defaults() Payment {
	if p.Currency == "" {
		p.Currency = ledger.DefaultCurrency
	}
	if p.Status == "" {
		p.Status = ledger.PaymentCompleted
	}
	if p.TransactionType == "" {
		p.TransactionType = string(ledger.TxTuition)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return p
}

// InsertGatewayTransaction records a transaction the payment gateway captured.
func (s *Store) InsertGatewayTransaction(ctx context.Context, p Payment) (int64, error) {
	p = p.defaults()
	return s.insert(ctx, `
		INSERT INTO gateway_transactions
		(reference, student_id, class_id, program_id, transaction_type, amount_minor, currency,
		 payment_method, status, is_verified, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Reference, p.StudentID, nullInt(p.ClassID), nullInt(p.ProgramID), p.TransactionType,
		minor(p.Amount), p.Currency, p.PaymentMethod, string(p.Status), boolInt(p.IsVerified),
		p.Description, formatTime(p.CreatedAt), formatTime(p.CreatedAt))
}

func (s *Store) InsertRegistrationFeePayment(ctx context.Context, p Payment) (int64, error) {
	p = p.defaults()
	if p.ProgramID == nil {
		return 0, fmt.Errorf("registration fee payment %s has no program", p.Reference)
	}
	return s.insert(ctx, `
		INSERT INTO registration_fee_payments
		(reference, student_id, program_id, amount_minor, currency, payment_method, status,
		 is_verified, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Reference, p.StudentID, *p.ProgramID, minor(p.Amount), p.Currency, p.PaymentMethod,
		string(p.Status), boolInt(p.IsVerified), p.Description, formatTime(p.CreatedAt), formatTime(p.CreatedAt))
}

func (s *Store) InsertCourseFeePayment(ctx context.Context, p Payment) (int64, error) {
	p = p.defaults()
	return s.insert(ctx, `
		INSERT INTO course_fee_payments
		(reference, student_id, course_id, amount_minor, currency, payment_method, status,
		 is_verified, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Reference, p.StudentID, p.CourseID, minor(p.Amount), p.Currency, p.PaymentMethod,
		string(p.Status), boolInt(p.IsVerified), p.Description, formatTime(p.CreatedAt), formatTime(p.CreatedAt))
}

// InsertVerificationRequest records a claim that did not come through
// manual intake (e.g. a student uploading proof of a bank transfer).
func (s *Store) InsertVerificationRequest(ctx context.Context, vr ledger.VerificationRequest) (int64, error) {
	if vr.Status == "" {
		vr.Status = ledger.VerificationPending
	}
	if vr.Currency == "" {
		vr.Currency = ledger.DefaultCurrency
	}
	if vr.CreatedAt.IsZero() {
		vr.CreatedAt = time.Now().UTC()
	}
	if vr.UpdatedAt.IsZero() {
		vr.UpdatedAt = vr.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return (&queries{q: s.db}).CreateVerificationRequest(ctx, &vr)
}

func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ledger.ErrDuplicateReference
		}
		return 0, err
	}
	return res.LastInsertId()
}

// =============================================================================
// READ HELPERS
// =============================================================================

// LedgerEntries returns a student's posted entries, oldest first. An empty
// studentID returns every entry.
func (s *Store) LedgerEntries(ctx context.Context, studentID string) ([]ledger.LedgerEntry, error) {
	if studentID == "" {
		return queryEntries(ctx, s.db, "SELECT "+entryColumns+" FROM ledger_entries ORDER BY id")
	}
	return queryEntries(ctx, s.db,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE student_id = ? ORDER BY id", studentID)
}

// CountEntries returns how many entries carry a payment reference.
func (s *Store) CountEntries(ctx context.Context, paymentReference string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE payment_reference = ?", paymentReference).Scan(&n)
	return n, err
}

// CountRows returns the row count of a workflow table, for tests and the demo UI.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "manual_payment_entries", "verification_requests", "ledger_entries",
		"notifications", "student_financial_status":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

// GetManualEntry reads a manual entry outside any transaction.
func (s *Store) GetManualEntry(ctx context.Context, id int64) (*ledger.ManualPaymentEntry, error) {
	return (&queries{q: s.db}).GetManualEntry(ctx, id)
}

// GetPaymentRecord reads a record outside any transaction.
func (s *Store) GetPaymentRecord(ctx context.Context, ref ledger.RecordRef) (*ledger.PaymentRecord, error) {
	return getRecord(ctx, s.db, ref)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"refund_staging_items", "refund_stagings", "notifications", "ledger_entries",
		"student_financial_status", "verification_requests", "manual_payment_entries",
		"course_fee_payments", "registration_fee_payments", "gateway_transactions",
		"users", "students", "courses", "programs", "classes",
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	// AUTOINCREMENT counters live here; clearing them restarts ids at 1.
	if _, err := tx.ExecContext(ctx, "DELETE FROM sqlite_sequence"); err != nil {
		return err
	}
	return tx.Commit()
}
