package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// SOURCE ADAPTERS - One projection per payment table
// =============================================================================

// source describes how one table projects into ledger.PaymentRecord. Every
// projection selects the same columns in the same order (see scanRecord).
type source struct {
	typ     ledger.SourceType
	alias   string
	from    string
	columns string

	// base excludes rows missing a required join target.
	base string

	// Column expressions the filter applies to.
	status      string
	method      string
	programType string
	amount      string
	created     string
	search      []string
}

var sources = map[ledger.SourceType]*source{
	ledger.SourceGatewayTransaction: {
		typ:   ledger.SourceGatewayTransaction,
		alias: "g",
		from: `gateway_transactions g
			JOIN students s ON s.id = g.student_id
			LEFT JOIN programs p ON p.id = g.program_id
			LEFT JOIN student_financial_status fs
				ON fs.student_id = g.student_id AND fs.class_id = COALESCE(g.class_id, s.class_id)`,
		columns: `g.id, g.student_id, s.name, g.reference, g.transaction_type,
			g.amount_minor, g.currency, g.payment_method, g.status, g.is_verified,
			g.verified_by, g.verified_at, g.created_at, g.description,
			g.class_id, NULL, g.program_id, fs.balance_minor`,
		base:        "(g.program_id IS NULL OR p.id IS NOT NULL)",
		status:      "g.status",
		method:      "g.payment_method",
		programType: "p.program_type",
		amount:      "g.amount_minor",
		created:     "g.created_at",
		search:      []string{"s.name", "s.email", "s.phone", "g.reference", "g.description"},
	},
	ledger.SourceRegistrationFee: {
		typ:   ledger.SourceRegistrationFee,
		alias: "r",
		from: `registration_fee_payments r
			JOIN students s ON s.id = r.student_id
			JOIN programs p ON p.id = r.program_id
			LEFT JOIN student_financial_status fs
				ON fs.student_id = r.student_id AND fs.class_id = s.class_id`,
		columns: `r.id, r.student_id, s.name, r.reference, 'registration',
			r.amount_minor, r.currency, r.payment_method, r.status, r.is_verified,
			r.verified_by, r.verified_at, r.created_at, r.description,
			NULL, NULL, r.program_id, fs.balance_minor`,
		base:        "1 = 1",
		status:      "r.status",
		method:      "r.payment_method",
		programType: "p.program_type",
		amount:      "r.amount_minor",
		created:     "r.created_at",
		search:      []string{"s.name", "s.email", "s.phone", "r.reference", "r.description"},
	},
	ledger.SourceCourseFee: {
		typ:   ledger.SourceCourseFee,
		alias: "c",
		from: `course_fee_payments c
			JOIN students s ON s.id = c.student_id
			JOIN courses co ON co.id = c.course_id
			JOIN programs p ON p.id = co.program_id
			LEFT JOIN student_financial_status fs
				ON fs.student_id = c.student_id AND fs.class_id = s.class_id`,
		columns: `c.id, c.student_id, s.name, c.reference, 'course',
			c.amount_minor, c.currency, c.payment_method, c.status, c.is_verified,
			c.verified_by, c.verified_at, c.created_at, c.description,
			NULL, c.course_id, co.program_id, fs.balance_minor`,
		base:        "1 = 1",
		status:      "c.status",
		method:      "c.payment_method",
		programType: "p.program_type",
		amount:      "c.amount_minor",
		created:     "c.created_at",
		search:      []string{"s.name", "s.email", "s.phone", "c.reference", "c.description"},
	},
	ledger.SourceManualEntry: {
		typ:   ledger.SourceManualEntry,
		alias: "m",
		from: `manual_payment_entries m
			LEFT JOIN students s ON s.id = m.student_id
			LEFT JOIN programs p ON p.id = m.program_id
			LEFT JOIN student_financial_status fs
				ON fs.student_id = m.student_id AND fs.class_id = COALESCE(m.class_id, s.class_id)`,
		columns: `m.id, COALESCE(m.student_id, ''), COALESCE(s.name, m.client_name), m.transaction_reference, m.payment_type,
			m.amount_minor, m.currency, m.payment_method, ` + manualStatus + `, m.status = 'verified',
			NULL, CASE m.status WHEN 'verified' THEN m.processed_at END, m.created_at, m.description,
			m.class_id, m.course_id, m.program_id, fs.balance_minor`,
		base:        "(m.student_id IS NULL OR s.id IS NOT NULL) AND (m.program_id IS NULL OR p.id IS NOT NULL)",
		status:      manualStatus,
		method:      "m.payment_method",
		programType: "p.program_type",
		amount:      "m.amount_minor",
		created:     "m.created_at",
		search: []string{"s.name", "s.email", "s.phone", "m.client_name", "m.client_email",
			"m.client_phone", "m.transaction_reference", "m.description"},
	},
}

// manualStatus projects a manual entry's status onto the payment status set.
const manualStatus = `CASE m.status WHEN 'verified' THEN 'completed' WHEN 'rejected' THEN 'failed' ELSE 'pending' END`

// where builds the WHERE clause for f.
func (src *source) where(f ledger.Filter) (string, []any) {
	conds := []string{src.base}
	var args []any

	if f.Status != "" {
		conds = append(conds, src.status+" = ?")
		args = append(args, string(f.Status))
	}
	if f.PaymentMethod != "" {
		conds = append(conds, src.method+" = ?")
		args = append(args, f.PaymentMethod)
	}
	if f.ProgramType != "" {
		conds = append(conds, src.programType+" = ?")
		args = append(args, f.ProgramType)
	}
	if f.From != nil {
		conds = append(conds, src.created+" >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.Until != nil {
		conds = append(conds, src.created+" < ?")
		args = append(args, formatTime(*f.Until))
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		ors := make([]string, len(src.search))
		for i, col := range src.search {
			ors[i] = "COALESCE(" + col + ", '') LIKE ? ESCAPE '\\'"
			args = append(args, pattern)
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (src *source) selectSQL(where string) string {
	return "SELECT " + src.columns + " FROM " + src.from + " WHERE " + where
}

// Source binds the adapter for t to the store's connection or transaction.
func (qs *queries) Source(t ledger.SourceType) (ledger.SourceAdapter, bool) {
	src, ok := sources[t]
	if !ok {
		return nil, false
	}
	return &Adapter{q: qs.q, src: src}, true
}

// Adapter is the ledger.SourceAdapter for one table.
type Adapter struct {
	q   querier
	src *source
}

func (a *Adapter) Source() ledger.SourceType {
	return a.src.typ
}

func (a *Adapter) List(ctx context.Context, f ledger.Filter, limit int) ([]ledger.PaymentRecord, error) {
	if !f.Includes(a.src.typ) {
		return nil, nil
	}
	where, args := a.src.where(f)
	query := a.src.selectSQL(where) +
		fmt.Sprintf(" ORDER BY %s DESC, %s.id ASC LIMIT ?", a.src.created, a.src.alias)
	args = append(args, limit)
	return queryRecords(ctx, a.q, a.src.typ, query, args...)
}

func (a *Adapter) Summarize(ctx context.Context, f ledger.Filter) (ledger.Aggregates, error) {
	agg := ledger.NewAggregates()
	if !f.Includes(a.src.typ) {
		return agg, nil
	}
	where, args := a.src.where(f)
	query := fmt.Sprintf(`SELECT %s, %s, COUNT(*), COALESCE(SUM(%s), 0) FROM %s WHERE %s GROUP BY 1, 2`,
		a.src.status, a.src.method, a.src.amount, a.src.from, where)

	rows, err := a.q.QueryContext(ctx, query, args...)
	if err != nil {
		return agg, fmt.Errorf("failed to summarize %s: %w", a.src.typ, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status, method string
			count, sum     int64
		)
		if err := rows.Scan(&status, &method, &count, &sum); err != nil {
			return agg, fmt.Errorf("failed to scan summary: %w", err)
		}
		b := ledger.Bucket{Count: count, Sum: fromMinor(sum)}
		agg.Total = agg.Total.Add(b)
		agg.ByStatus[ledger.PaymentStatus(status)] = agg.ByStatus[ledger.PaymentStatus(status)].Add(b)
		agg.ByMethod[method] = agg.ByMethod[method].Add(b)
		agg.BySource[a.src.typ] = agg.BySource[a.src.typ].Add(b)
	}
	return agg, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

func queryRecords(ctx context.Context, q querier, typ ledger.SourceType, query string, args ...any) ([]ledger.PaymentRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", typ, err)
	}
	defer rows.Close()

	records := []ledger.PaymentRecord{}
	for rows.Next() {
		r, err := scanRecord(rows, typ)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows, typ ledger.SourceType) (ledger.PaymentRecord, error) {
	var (
		r           = ledger.PaymentRecord{SourceType: typ}
		amount      int64
		status      string
		verifiedBy  sql.NullString
		verifiedAt  sql.NullString
		createdAt   string
		description sql.NullString
		paymentType sql.NullString
		classID     sql.NullInt64
		courseID    sql.NullInt64
		programID   sql.NullInt64
		balance     sql.NullInt64
	)
	err := rows.Scan(
		&r.ID, &r.StudentID, &r.StudentName, &r.Reference, &paymentType,
		&amount, &r.Currency, &r.PaymentMethod, &status, &r.IsVerified,
		&verifiedBy, &verifiedAt, &createdAt, &description,
		&classID, &courseID, &programID, &balance,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan %s: %w", typ, err)
	}

	r.PaymentType = paymentType.String
	r.Amount = fromMinor(amount)
	r.Status = ledger.PaymentStatus(status)
	r.VerifiedBy = verifiedBy.String
	r.VerifiedAt = nullTime(verifiedAt)
	r.CreatedAt = parseTime(createdAt)
	r.Description = description.String
	r.ClassID = intPtr(classID)
	r.CourseID = intPtr(courseID)
	r.ProgramID = intPtr(programID)
	if balance.Valid {
		b := fromMinor(balance.Int64)
		r.StudentBalance = &b
	}
	return r, nil
}

// getRecord loads one record through its adapter projection, so a record the
// ledger view would hide is not found here either.
func getRecord(ctx context.Context, q querier, ref ledger.RecordRef) (*ledger.PaymentRecord, error) {
	src, ok := sources[ref.SourceType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", ledger.ErrValidation, ref.SourceType)
	}
	query := src.selectSQL(src.base + " AND " + src.alias + ".id = ?")
	records, err := queryRecords(ctx, q, src.typ, query, ref.ID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &records[0], nil
}
