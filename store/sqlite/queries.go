package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// queries implements ledger.Store against a *sql.DB or a *sql.Tx.
type queries struct {
	q querier
}

var _ ledger.Store = (*queries)(nil)

var tables = map[ledger.Resource]string{
	ledger.ResourceVerificationRequest: "verification_requests",
	ledger.ResourceManualEntry:         "manual_payment_entries",
	ledger.ResourceGatewayTransaction:  "gateway_transactions",
	ledger.ResourceRegistrationFee:     "registration_fee_payments",
	ledger.ResourceCourseFee:           "course_fee_payments",
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition issues one conditional UPDATE. The guard is in the WHERE clause,
// never in Go.
func (qs *queries) Transition(ctx context.Context, t ledger.Transition) (int64, error) {
	table, ok := tables[t.Resource]
	if !ok {
		return 0, fmt.Errorf("unknown resource %q", t.Resource)
	}
	at := formatTime(t.At)

	var (
		set  string
		args []any
	)
	switch {
	case t.Field == ledger.FieldVerified:
		if t.Resource == ledger.ResourceVerificationRequest || t.Resource == ledger.ResourceManualEntry {
			return 0, fmt.Errorf("%s has no %s column", t.Resource, t.Field)
		}
		set = "is_verified = ?, verified_by = ?, verified_at = ?, updated_at = ?"
		args = []any{flag(t.To), nullString(t.By), at, at}
	case t.Resource == ledger.ResourceVerificationRequest:
		set = "status = ?, updated_at = ?"
		args = []any{t.To, at}
		switch ledger.VerificationStatus(t.To) {
		case ledger.VerificationVerified:
			set += ", verified_by = ?, verified_at = ?"
			args = append(args, nullString(t.By), at)
		case ledger.VerificationRejected:
			set += ", verified_by = ?, verified_at = ?, rejection_reason = ?"
			args = append(args, nullString(t.By), at, t.Reason)
		}
	case t.Resource == ledger.ResourceManualEntry:
		set = "status = ?, processed_at = ?"
		args = []any{t.To, at}
	default:
		set = "status = ?, updated_at = ?"
		args = []any{t.To, at}
	}

	where := "id = ? AND " + string(t.Field) + " = ?"
	args = append(args, t.ID)
	if t.Field == ledger.FieldVerified {
		args = append(args, flag(t.From))
	} else {
		args = append(args, t.From)
	}
	if t.RequireStatus != "" {
		where += " AND status = ?"
		args = append(args, t.RequireStatus)
	}

	res, err := qs.q.ExecContext(ctx, "UPDATE "+table+" SET "+set+" WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to transition %s %d: %w", t.Resource, t.ID, err)
	}
	return res.RowsAffected()
}

func (qs *queries) TransitionState(ctx context.Context, r ledger.Resource, f ledger.Field, id int64) (ledger.TransitionState, error) {
	table, ok := tables[r]
	if !ok {
		return ledger.TransitionState{}, fmt.Errorf("unknown resource %q", r)
	}
	var st ledger.TransitionState
	err := qs.q.QueryRowContext(ctx,
		"SELECT CAST("+string(f)+" AS TEXT), status FROM "+table+" WHERE id = ?", id,
	).Scan(&st.Value, &st.Status)
	return st, notFound(err)
}

func flag(v string) int {
	if v == ledger.Verified {
		return 1
	}
	return 0
}

// =============================================================================
// VERIFICATION REQUESTS
// =============================================================================

const vrColumns = `id, payment_reference, student_id, payment_type, program_id, course_id, class_id,
	amount_minor, currency, payment_method, proof_text, status, verified_by, verified_at,
	rejection_reason, manual_entry_id, created_at, updated_at`

func (qs *queries) CreateVerificationRequest(ctx context.Context, vr *ledger.VerificationRequest) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO verification_requests
		(payment_reference, student_id, payment_type, program_id, course_id, class_id,
		 amount_minor, currency, payment_method, proof_text, status, verified_by, verified_at,
		 rejection_reason, manual_entry_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vr.PaymentReference, vr.StudentID, vr.PaymentType,
		nullInt(vr.ProgramID), nullInt(vr.CourseID), nullInt(vr.ClassID),
		minor(vr.Amount), vr.Currency, vr.PaymentMethod, vr.ProofText, string(vr.Status),
		nullString(vr.VerifiedBy), timeArg(vr.VerifiedAt), nullString(vr.RejectionReason),
		nullInt(vr.ManualEntryID), formatTime(vr.CreatedAt), formatTime(vr.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, &ledger.DuplicateReferenceError{Reference: vr.PaymentReference}
		}
		return 0, fmt.Errorf("failed to insert verification request: %w", err)
	}
	return res.LastInsertId()
}

func (qs *queries) GetVerificationRequest(ctx context.Context, id int64) (*ledger.VerificationRequest, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+vrColumns+" FROM verification_requests WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification request: %w", err)
	}
	vrs, err := scanVerificationRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(vrs) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &vrs[0], nil
}

func (qs *queries) ListVerifiedUnposted(ctx context.Context, limit int) ([]ledger.VerificationRequest, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+vrColumns+` FROM verification_requests v
		WHERE v.status = 'verified'
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries le WHERE le.payment_reference = v.payment_reference)
		ORDER BY v.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unposted requests: %w", err)
	}
	return scanVerificationRequests(rows)
}

func scanVerificationRequests(rows *sql.Rows) ([]ledger.VerificationRequest, error) {
	defer rows.Close()

	var out []ledger.VerificationRequest
	for rows.Next() {
		var (
			vr                           ledger.VerificationRequest
			programID, courseID, classID sql.NullInt64
			manualEntryID                sql.NullInt64
			amount                       int64
			status                       string
			verifiedBy, verifiedAt       sql.NullString
			rejectionReason              sql.NullString
			createdAt, updatedAt         string
		)
		err := rows.Scan(
			&vr.ID, &vr.PaymentReference, &vr.StudentID, &vr.PaymentType,
			&programID, &courseID, &classID,
			&amount, &vr.Currency, &vr.PaymentMethod, &vr.ProofText, &status,
			&verifiedBy, &verifiedAt, &rejectionReason, &manualEntryID, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification request: %w", err)
		}
		vr.ProgramID, vr.CourseID, vr.ClassID = intPtr(programID), intPtr(courseID), intPtr(classID)
		vr.ManualEntryID = intPtr(manualEntryID)
		vr.Amount = fromMinor(amount)
		vr.Status = ledger.VerificationStatus(status)
		vr.VerifiedBy = verifiedBy.String
		vr.VerifiedAt = nullTime(verifiedAt)
		vr.RejectionReason = rejectionReason.String
		vr.CreatedAt = parseTime(createdAt)
		vr.UpdatedAt = parseTime(updatedAt)
		out = append(out, vr)
	}
	return out, rows.Err()
}

// =============================================================================
// MANUAL ENTRIES
// =============================================================================

// ReferenceTaken checks manual entries and gateway references.
func (qs *queries) ReferenceTaken(ctx context.Context, reference string) (bool, error) {
	var n int
	err := qs.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM manual_payment_entries WHERE transaction_reference = ?) +
			(SELECT COUNT(*) FROM gateway_transactions WHERE reference = ?)`,
		reference, reference,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check reference: %w", err)
	}
	return n > 0, nil
}

func (qs *queries) CreateManualEntry(ctx context.Context, e *ledger.ManualPaymentEntry) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO manual_payment_entries
		(admin_id, record_type, student_id, client_name, client_email, client_phone, service_category,
		 program_id, course_id, class_id, payment_type, amount_minor, currency, payment_method,
		 transaction_reference, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AdminID, string(e.RecordType), nullString(e.StudentID),
		e.ClientName, e.ClientEmail, e.ClientPhone, e.ServiceCategory,
		nullInt(e.ProgramID), nullInt(e.CourseID), nullInt(e.ClassID),
		e.PaymentType, minor(e.Amount), e.Currency, e.PaymentMethod,
		e.TransactionReference, e.Description, string(e.Status), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, &ledger.DuplicateReferenceError{Reference: e.TransactionReference}
		}
		return 0, fmt.Errorf("failed to insert manual entry: %w", err)
	}
	return res.LastInsertId()
}

func (qs *queries) LinkVerificationRequest(ctx context.Context, entryID, requestID int64) error {
	_, err := qs.q.ExecContext(ctx,
		"UPDATE manual_payment_entries SET verification_request_id = ? WHERE id = ?", requestID, entryID)
	if err != nil {
		return fmt.Errorf("failed to link verification request: %w", err)
	}
	return nil
}

func (qs *queries) GetManualEntry(ctx context.Context, id int64) (*ledger.ManualPaymentEntry, error) {
	var (
		e                            ledger.ManualPaymentEntry
		studentID                    sql.NullString
		programID, courseID, classID sql.NullInt64
		vrID                         sql.NullInt64
		amount                       int64
		recordType, status           string
		processedAt                  sql.NullString
		createdAt                    string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, admin_id, record_type, student_id, client_name, client_email, client_phone,
		       service_category, program_id, course_id, class_id, payment_type, amount_minor,
		       currency, payment_method, transaction_reference, description, status, processed_at,
		       verification_request_id, created_at
		FROM manual_payment_entries WHERE id = ?`, id,
	).Scan(
		&e.ID, &e.AdminID, &recordType, &studentID, &e.ClientName, &e.ClientEmail, &e.ClientPhone,
		&e.ServiceCategory, &programID, &courseID, &classID, &e.PaymentType, &amount,
		&e.Currency, &e.PaymentMethod, &e.TransactionReference, &e.Description, &status, &processedAt,
		&vrID, &createdAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	e.RecordType = ledger.RecordType(recordType)
	e.StudentID = studentID.String
	e.ProgramID, e.CourseID, e.ClassID = intPtr(programID), intPtr(courseID), intPtr(classID)
	e.VerificationRequestID = intPtr(vrID)
	e.Amount = fromMinor(amount)
	e.Status = ledger.ManualStatus(status)
	e.ProcessedAt = nullTime(processedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// =============================================================================
// PAYMENT RECORDS
// =============================================================================

func (qs *queries) GetPaymentRecord(ctx context.Context, ref ledger.RecordRef) (*ledger.PaymentRecord, error) {
	return getRecord(ctx, qs.q, ref)
}

func (qs *queries) ListVerifiedGatewayUnposted(ctx context.Context, limit int) ([]ledger.PaymentRecord, error) {
	src := sources[ledger.SourceGatewayTransaction]
	query := src.selectSQL(src.base+` AND g.is_verified = 1 AND g.status = 'completed'
		AND NOT EXISTS (SELECT 1 FROM ledger_entries le WHERE le.payment_reference = g.reference)`) +
		" ORDER BY g.id LIMIT ?"
	return queryRecords(ctx, qs.q, src.typ, query, limit)
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

const entryColumns = `id, student_id, class_id, transaction_type, payment_method, amount_minor, currency,
	description, status, is_verified, verified_by, verified_at, payment_reference, source_type, source_id, created_at`

func (qs *queries) EntryByReference(ctx context.Context, paymentReference string) (*ledger.LedgerEntry, error) {
	entries, err := queryEntries(ctx, qs.q,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE payment_reference = ?", paymentReference)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &entries[0], nil
}

// AppendEntry inserts an entry. A second entry with the same payment
// reference is rejected by the UNIQUE index as ErrAlreadyProcessed.
func (qs *queries) AppendEntry(ctx context.Context, e *ledger.LedgerEntry) (int64, error) {
	var sourceID sql.NullInt64
	if e.SourceType != "" {
		sourceID = sql.NullInt64{Int64: e.SourceID, Valid: true}
	}
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(student_id, class_id, transaction_type, payment_method, amount_minor, currency, description,
		 status, is_verified, verified_by, verified_at, payment_reference, source_type, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.StudentID, nullInt(e.ClassID), string(e.TransactionType), e.PaymentMethod,
		minor(e.Amount), e.Currency, e.Description, string(e.Status), boolInt(e.IsVerified),
		nullString(e.VerifiedBy), formatTime(e.VerifiedAt), e.PaymentReference,
		nullString(string(e.SourceType)), sourceID, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ledger.ErrAlreadyProcessed
		}
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return res.LastInsertId()
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []ledger.LedgerEntry{}
	for rows.Next() {
		var (
			e                   ledger.LedgerEntry
			classID, sourceID   sql.NullInt64
			txType, status      string
			amount              int64
			verifiedBy          sql.NullString
			sourceType          sql.NullString
			verifiedAt, created string
		)
		err := rows.Scan(
			&e.ID, &e.StudentID, &classID, &txType, &e.PaymentMethod, &amount, &e.Currency,
			&e.Description, &status, &e.IsVerified, &verifiedBy, &verifiedAt, &e.PaymentReference,
			&sourceType, &sourceID, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ClassID = intPtr(classID)
		e.TransactionType = ledger.TransactionType(txType)
		e.Status = ledger.PaymentStatus(status)
		e.Amount = fromMinor(amount)
		e.VerifiedBy = verifiedBy.String
		e.VerifiedAt = parseTime(verifiedAt)
		e.SourceType = ledger.SourceType(sourceType.String)
		e.SourceID = sourceID.Int64
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// FINANCIAL STATUS
// =============================================================================

const statusColumns = `student_id, class_id, total_fee_minor, paid_minor, balance_minor, updated_at`

func (qs *queries) GetFinancialStatus(ctx context.Context, studentID string, classID int64) (*ledger.FinancialStatus, error) {
	list, err := queryStatuses(ctx, qs.q,
		"SELECT "+statusColumns+" FROM student_financial_status WHERE student_id = ? AND class_id = ?",
		studentID, classID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &list[0], nil
}

func (qs *queries) SaveFinancialStatus(ctx context.Context, fs ledger.FinancialStatus) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO student_financial_status
		(student_id, class_id, total_fee_minor, paid_minor, balance_minor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, class_id) DO UPDATE SET
			total_fee_minor = excluded.total_fee_minor,
			paid_minor = excluded.paid_minor,
			balance_minor = excluded.balance_minor,
			updated_at = excluded.updated_at`,
		fs.StudentID, fs.ClassID, minor(fs.TotalFee), minor(fs.PaidAmount), minor(fs.Balance), formatTime(fs.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save financial status: %w", err)
	}
	return nil
}

func (qs *queries) IntegrityFaults(ctx context.Context) ([]ledger.FinancialStatus, error) {
	return queryStatuses(ctx, qs.q, `
		SELECT `+statusColumns+` FROM student_financial_status
		WHERE balance_minor < 0 OR paid_minor < 0 OR balance_minor <> total_fee_minor - paid_minor
		ORDER BY student_id, class_id`)
}

func queryStatuses(ctx context.Context, q querier, query string, args ...any) ([]ledger.FinancialStatus, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query financial status: %w", err)
	}
	defer rows.Close()

	out := []ledger.FinancialStatus{}
	for rows.Next() {
		var (
			fs                   ledger.FinancialStatus
			total, paid, balance int64
			updatedAt            string
		)
		if err := rows.Scan(&fs.StudentID, &fs.ClassID, &total, &paid, &balance, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan financial status: %w", err)
		}
		fs.TotalFee, fs.PaidAmount, fs.Balance = fromMinor(total), fromMinor(paid), fromMinor(balance)
		fs.UpdatedAt = parseTime(updatedAt)
		out = append(out, fs)
	}
	return out, rows.Err()
}

// =============================================================================
// UPSTREAM ROWS
// =============================================================================

func (qs *queries) StudentClass(ctx context.Context, studentID string) (int64, error) {
	var classID sql.NullInt64
	err := qs.q.QueryRowContext(ctx, "SELECT class_id FROM students WHERE id = ?", studentID).Scan(&classID)
	if err != nil {
		return 0, notFound(err)
	}
	if !classID.Valid {
		return 0, ledger.ErrNotFound
	}
	return classID.Int64, nil
}

func (qs *queries) ClassFee(ctx context.Context, classID int64) (decimal.Decimal, error) {
	var fee int64
	err := qs.q.QueryRowContext(ctx, "SELECT fee_minor FROM classes WHERE id = ?", classID).Scan(&fee)
	if err != nil {
		return decimal.Zero, notFound(err)
	}
	return fromMinor(fee), nil
}

func (qs *queries) AdminIDs(ctx context.Context) ([]string, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT id FROM users WHERE role = ? ORDER BY id", string(ledger.RoleAdmin))
	if err != nil {
		return nil, fmt.Errorf("failed to query admins: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// NOTIFICATION OUTBOX
// =============================================================================

func (qs *queries) EnqueueNotification(ctx context.Context, n ledger.Notification) error {
	_, err := qs.q.ExecContext(ctx,
		"INSERT INTO notifications (user_id, title, message, created_at) VALUES (?, ?, ?, ?)",
		n.UserID, n.Title, n.Message, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (qs *queries) PendingNotifications(ctx context.Context, limit int) ([]ledger.Notification, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, user_id, title, message, created_at FROM notifications
		WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []ledger.Notification
	for rows.Next() {
		var (
			n         ledger.Notification
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (qs *queries) MarkNotificationSent(ctx context.Context, id int64, at time.Time) error {
	_, err := qs.q.ExecContext(ctx,
		"UPDATE notifications SET sent_at = ? WHERE id = ? AND sent_at IS NULL", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// =============================================================================
// REFUND STAGINGS
// =============================================================================

func (qs *queries) SaveRefundStaging(ctx context.Context, s ledger.RefundStaging) error {
	skipped, err := json.Marshal(s.Skipped)
	if err != nil {
		return fmt.Errorf("failed to encode skipped items: %w", err)
	}
	_, err = qs.q.ExecContext(ctx,
		"INSERT INTO refund_stagings (handle, created_by, created_at, skipped_json) VALUES (?, ?, ?, ?)",
		s.Handle, s.CreatedBy, formatTime(s.CreatedAt), string(skipped))
	if err != nil {
		return fmt.Errorf("failed to insert refund staging: %w", err)
	}
	for i, item := range s.Items {
		_, err := qs.q.ExecContext(ctx, `
			INSERT INTO refund_staging_items (handle, position, source_type, source_id, confirmed_at, entry_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.Handle, i, string(item.Item.SourceType), item.Item.ID, timeArg(item.ConfirmedAt), nullInt(item.EntryID))
		if err != nil {
			return fmt.Errorf("failed to insert staged item: %w", err)
		}
	}
	return nil
}

func (qs *queries) GetRefundStaging(ctx context.Context, handle string) (*ledger.RefundStaging, error) {
	var (
		s         = ledger.RefundStaging{Handle: handle, Items: []ledger.StagedRefund{}}
		createdAt string
		skipped   string
	)
	err := qs.q.QueryRowContext(ctx,
		"SELECT created_by, created_at, skipped_json FROM refund_stagings WHERE handle = ?", handle,
	).Scan(&s.CreatedBy, &createdAt, &skipped)
	if err != nil {
		return nil, notFound(err)
	}
	s.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(skipped), &s.Skipped); err != nil {
		return nil, fmt.Errorf("failed to decode skipped items: %w", err)
	}

	rows, err := qs.q.QueryContext(ctx, `
		SELECT source_type, source_id, confirmed_at, entry_id FROM refund_staging_items
		WHERE handle = ? ORDER BY position`, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item        ledger.StagedRefund
			sourceType  string
			confirmedAt sql.NullString
			entryID     sql.NullInt64
		)
		if err := rows.Scan(&sourceType, &item.Item.ID, &confirmedAt, &entryID); err != nil {
			return nil, fmt.Errorf("failed to scan staged item: %w", err)
		}
		item.Item.SourceType = ledger.SourceType(sourceType)
		item.ConfirmedAt = nullTime(confirmedAt)
		item.EntryID = intPtr(entryID)
		s.Items = append(s.Items, item)
	}
	return &s, rows.Err()
}

func (qs *queries) ConfirmStagedItem(ctx context.Context, handle string, ref ledger.RecordRef, entryID int64, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE refund_staging_items SET confirmed_at = ?, entry_id = ?
		WHERE handle = ? AND source_type = ? AND source_id = ? AND confirmed_at IS NULL`,
		formatTime(at), entryID, handle, string(ref.SourceType), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to confirm staged item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAlreadyProcessed
	}
	return nil
}
