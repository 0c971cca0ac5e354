/*
handlers_test.go - End-to-end tests for the HTTP surface

Tests drive the real router against an in-memory SQLite store:
- Status mapping for every error class
- Manual intake, verification, rejection, cancellation, repair
- Bulk verify, staged refunds, single refunds
- Ledger view query parameters
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/store/sqlite"
)

// =============================================================================
// TEST SERVER
// =============================================================================

var (
	jwtSecret  = []byte("test-jwt-secret")
	csrfSecret = []byte("test-csrf-secret")

	admin = &ledger.Actor{ID: "admin-001", Role: ledger.RoleAdmin}
	staff = &ledger.Actor{ID: "staff-001", Role: ledger.RoleStaff}
)

type testServer struct {
	h      *Handler
	store  *sqlite.Store
	svc    *ledger.Service
	guard  *HMACGuard
	router http.Handler
}

func newTestServer(t *testing.T, dev bool) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	guard := NewHMACGuard(csrfSecret)
	svc := ledger.NewService(store, store.Sources()...)
	svc.Guard = guard
	h := NewHandler(svc, store, zap.NewNop())

	return &testServer{
		h:      h,
		store:  store,
		svc:    svc,
		guard:  guard,
		router: NewRouter(h, RouterOptions{JWTSecret: jwtSecret, Dev: dev}),
	}
}

// withScenario returns a server with a scenario already loaded.
func withScenario(t *testing.T, id string) *testServer {
	t.Helper()
	ts := newTestServer(t, true)
	require.NoError(t, ts.h.LoadScenarioByID(context.Background(), id))
	return ts
}

// do sends a request as actor (nil for anonymous) with a valid anti-replay token.
func (ts *testServer) do(t *testing.T, method, path string, body any, actor *ledger.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := IssueToken(jwtSecret, *actor, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(CSRFHeader, ts.guard.Token(actor.ID))
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func errorLabel(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, rec).Error
}

// =============================================================================
// STATUS MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ledger.ValidationError{Field: "amount"}, http.StatusBadRequest},
		{fmt.Errorf("%w: manual entries", ledger.ErrUnsupported), http.StatusBadRequest},
		{fmt.Errorf("%w: role", ledger.ErrUnauthorized), http.StatusUnauthorized},
		{ledger.ErrNotFound, http.StatusNotFound},
		{&ledger.DuplicateReferenceError{Reference: "R"}, http.StatusConflict},
		{ledger.ErrAlreadyProcessed, http.StatusConflict},
		{&ledger.InvalidStateError{Status: "pending"}, http.StatusUnprocessableEntity},
		{&ledger.ProcessingError{RequestID: 1, Err: ledger.ErrNotFound}, http.StatusBadGateway},
		{ledger.Persist("commit", errors.New("disk full")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/nope", nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MANUAL INTAKE
// =============================================================================

func manualBody(ref string) map[string]any {
	return map[string]any{
		"record_type":           "academic",
		"student_id":            "stu-001",
		"program_id":            1,
		"course_id":             1,
		"payment_type":          "tuition",
		"amount":                "250000",
		"payment_method":        "cash",
		"transaction_reference": ref,
	}
}

func TestSubmitManualEntry_CreatedThenDuplicate(t *testing.T) {
	// GIVEN: A seeded school
	// WHEN: Posting the same receipt twice
	// THEN: 201 with a linked verification request, then 409

	ts := withScenario(t, "term-start")

	rec := ts.do(t, http.MethodPost, "/api/manual-entries", manualBody("RCPT-9000"), admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[ManualEntryDTO](t, rec)
	assert.Equal(t, "pending", entry.Status)
	assert.Equal(t, "250000.00", entry.Amount)
	assert.Equal(t, "UGX 250,000.00", entry.AmountDisplay)
	require.NotNil(t, entry.VerificationRequestID)

	rec = ts.do(t, http.MethodPost, "/api/manual-entries", manualBody("RCPT-9000"), admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DuplicateReference", errorLabel(t, rec))
}

func TestSubmitManualEntry_BadInput(t *testing.T) {
	ts := withScenario(t, "term-start")

	body := manualBody("")
	rec := ts.do(t, http.MethodPost, "/api/manual-entries", body, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationError", errorLabel(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/manual-entries", "{not json", admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", errorLabel(t, rec))
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_Rejections(t *testing.T) {
	ts := withScenario(t, "term-start")

	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"anonymous", nil, "Unauthorized"},
		{"basic auth", map[string]string{"Authorization": "Basic YWRtaW46YWRtaW4="}, "authorization must be a bearer token"},
		{"garbage token", map[string]string{"Authorization": "Bearer not.a.jwt"}, "invalid or expired token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/ledger", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.want, errorLabel(t, rec))
		})
	}
}

func TestAuth_MissingAntiReplayToken(t *testing.T) {
	ts := withScenario(t, "verification")

	token, err := IssueToken(jwtSecret, *admin, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/verifications/1/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Nothing moved.
	rec = ts.do(t, http.MethodGet, "/api/verifications/1", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[VerificationRequestDTO](t, rec).Status)
}

func TestAuth_StaffReadsButCannotWrite(t *testing.T) {
	ts := withScenario(t, "verification")

	rec := ts.do(t, http.MethodGet, "/api/ledger", nil, staff)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/verifications/1/verify", nil, staff)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_SystemRoleTokenRejected(t *testing.T) {
	// GIVEN: A correctly signed token claiming the system role
	// WHEN: It is used on a write route that system callers skip the guard on
	// THEN: The request is a 401 and the request stays pending

	ts := withScenario(t, "verification")

	req := httptest.NewRequest(http.MethodPost, "/api/verifications/1/verify", nil)
	req.Header.Set("Authorization", "Bearer "+systemToken(t))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid or expired token", errorLabel(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/verifications/1", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[VerificationRequestDTO](t, rec).Status)
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestVerify_PostsAndUpdatesBalance(t *testing.T) {
	// GIVEN: RCPT-0001, a pending 750,000 claim for stu-001 (fee 1,500,000)
	// WHEN: An admin verifies it, then verifies it again
	// THEN: 200 with a posted entry and balance 750,000; then 409

	ts := withScenario(t, "verification")

	rec := ts.do(t, http.MethodPost, "/api/verifications/1/verify", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[VerificationResultDTO](t, rec)
	assert.False(t, res.Degraded)
	assert.Equal(t, "verified", res.Request.Status)
	assert.Equal(t, "admin-001", res.Request.VerifiedBy)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "tuition", res.Entry.TransactionType)
	assert.Equal(t, "750000.00", res.Entry.Amount)

	rec = ts.do(t, http.MethodGet, "/api/students/stu-001/financial-status", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	fs := decode[FinancialStatusDTO](t, rec)
	assert.Equal(t, "750000.00", fs.PaidAmount)
	assert.Equal(t, "750000.00", fs.Balance)
	assert.False(t, fs.Overpaid)

	rec = ts.do(t, http.MethodPost, "/api/verifications/1/verify", nil, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyProcessed", errorLabel(t, rec))
}

func TestVerify_Degraded(t *testing.T) {
	// GIVEN: A claim for stu-005, who has no class
	// WHEN: It is verified
	// THEN: 502 with the verified request in the body

	ts := withScenario(t, "verification")
	id, err := ts.store.InsertVerificationRequest(context.Background(), ledger.VerificationRequest{
		PaymentReference: "MM-777", StudentID: "stu-005", PaymentType: "tuition",
		Amount: ugx(10_000), PaymentMethod: "mobile_money",
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/api/verifications/%d/verify", id), nil, admin)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	res := decode[VerificationResultDTO](t, rec)
	assert.True(t, res.Degraded)
	assert.Equal(t, "verified", res.Request.Status)
	assert.Nil(t, res.Entry)
	assert.NotEmpty(t, res.Error)
}

func TestReject_ReasonRequired(t *testing.T) {
	ts := withScenario(t, "verification")

	rec := ts.do(t, http.MethodPost, "/api/verifications/2/reject", map[string]string{}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/verifications/2/reject", RejectRequestBody{Reason: "Slip is for another account"}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vr := decode[VerificationRequestDTO](t, rec)
	assert.Equal(t, "rejected", vr.Status)
	assert.Equal(t, "Slip is for another account", vr.RejectionReason)
}

func TestCancelThenVerify(t *testing.T) {
	ts := withScenario(t, "verification")

	rec := ts.do(t, http.MethodPost, "/api/verifications/3/cancel", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[VerificationRequestDTO](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/verifications/3/verify", nil, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRepair_PostsVerifiedRequest(t *testing.T) {
	ts := withScenario(t, "verification")

	// BANK-77001 is verified but unposted.
	rec := ts.do(t, http.MethodPost, "/api/verifications/4/repair", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[VerificationResultDTO](t, rec)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "BANK-77001", res.Entry.PaymentReference)

	rec = ts.do(t, http.MethodPost, "/api/verifications/1/repair", nil, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "pending requests cannot be repaired")
}

func TestVerification_PathErrors(t *testing.T) {
	ts := withScenario(t, "verification")

	rec := ts.do(t, http.MethodGet, "/api/verifications/abc", nil, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/verifications/999", nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", errorLabel(t, rec))
}

// =============================================================================
// LEDGER VIEW
// =============================================================================

func TestListLedger(t *testing.T) {
	ts := withScenario(t, "verification")

	// 4 gateway + 2 registration + 2 course + 3 manual
	rec := ts.do(t, http.MethodGet, "/api/ledger?page_size=5", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[LedgerPageDTO](t, rec)
	assert.EqualValues(t, 11, page.Total)
	assert.Len(t, page.Rows, 5)
	assert.EqualValues(t, 3, page.TotalPages)
	assert.EqualValues(t, 11, page.Aggregates.Total.Count)

	rec = ts.do(t, http.MethodGet, "/api/ledger?source_type=manual_entry", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[LedgerPageDTO](t, rec)
	assert.EqualValues(t, 3, page.Total)
	for _, row := range page.Rows {
		assert.Equal(t, "manual_entry", row.SourceType)
		assert.Equal(t, "pending", row.Status)
	}

	rec = ts.do(t, http.MethodGet, "/api/ledger?search=amina", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[LedgerPageDTO](t, rec).Total)
}

func TestListLedger_BadParams(t *testing.T) {
	ts := withScenario(t, "term-start")

	for _, q := range []string{"status=settled", "date_from=yesterday", "page=-1", "page=92233720368547758", "page_size=x", "source_type=cheque"} {
		rec := ts.do(t, http.MethodGet, "/api/ledger?"+q, nil, staff)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

// =============================================================================
// BULK AND REFUNDS
// =============================================================================

func TestBulkVerify_PartialSuccess(t *testing.T) {
	// GIVEN: Term start (GW #1 completed, GW #3 pending)
	// WHEN: Bulk verifying those two plus a registration fee
	// THEN: 200; one success, InvalidState and Unsupported failures

	ts := withScenario(t, "term-start")
	body := BulkItemsRequest{Items: []ledger.RecordRef{
		{SourceType: ledger.SourceGatewayTransaction, ID: 1},
		{SourceType: ledger.SourceGatewayTransaction, ID: 3},
		{SourceType: ledger.SourceRegistrationFee, ID: 1},
	}}

	rec := ts.do(t, http.MethodPost, "/api/bulk/verify", body, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ledger.BulkResult](t, rec)
	assert.Equal(t, body.Items[:1], res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "InvalidState", res.Failed[0].Reason)
	assert.Equal(t, "Unsupported", res.Failed[1].Reason)
}

func TestBulkVerify_EmptyItems(t *testing.T) {
	ts := withScenario(t, "term-start")

	rec := ts.do(t, http.MethodPost, "/api/bulk/verify", BulkItemsRequest{}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStagedRefund_Flow(t *testing.T) {
	ts := withScenario(t, "refunds")
	item := ledger.RecordRef{SourceType: ledger.SourceGatewayTransaction, ID: 1}

	rec := ts.do(t, http.MethodPost, "/api/bulk/refunds", BulkItemsRequest{Items: []ledger.RecordRef{item}}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	staging := decode[ledger.RefundStaging](t, rec)
	require.Len(t, staging.Items, 1)

	rec = ts.do(t, http.MethodGet, "/api/bulk/refunds/"+staging.Handle, nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)

	confirm := map[string]any{"record": item, "amount": "750000", "reason": "Student withdrew"}
	path := "/api/bulk/refunds/" + staging.Handle + "/confirm"
	rec = ts.do(t, http.MethodPost, path, confirm, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[LedgerEntryDTO](t, rec)
	assert.Equal(t, "refund", entry.TransactionType)
	assert.Equal(t, "REFUND-gateway_transaction-1", entry.PaymentReference)

	rec = ts.do(t, http.MethodPost, path, confirm, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/bulk/refunds/not-a-handle", nil, staff)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefundPayment(t *testing.T) {
	// GIVEN: Refunds scenario; stu-002 overpaid by 250,000 via GW #5
	// WHEN: Refunding GW #5 in full
	// THEN: 201, balance back to zero, integrity clean

	ts := withScenario(t, "refunds")

	rec := ts.do(t, http.MethodGet, "/api/integrity", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	integrity := decode[struct {
		Faults []FinancialStatusDTO `json:"faults"`
		Count  int                  `json:"count"`
	}](t, rec)
	require.Equal(t, 1, integrity.Count)
	assert.Equal(t, "stu-002", integrity.Faults[0].StudentID)
	assert.Equal(t, "-250000.00", integrity.Faults[0].Balance)

	rec = ts.do(t, http.MethodPost, "/api/payments/gateway_transaction/5/refund",
		RefundRequest{Amount: ugx(250_000), Reason: "Duplicate payment"}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/students/stu-002/financial-status", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.00", decode[FinancialStatusDTO](t, rec).Balance)

	rec = ts.do(t, http.MethodGet, "/api/integrity", nil, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestRefundPayment_Errors(t *testing.T) {
	ts := withScenario(t, "term-start")

	tests := []struct {
		name string
		path string
		body RefundRequest
		code int
	}{
		{"pending payment", "/api/payments/gateway_transaction/3/refund", RefundRequest{Amount: ugx(100), Reason: "x"}, http.StatusUnprocessableEntity},
		{"over original", "/api/payments/gateway_transaction/3/refund", RefundRequest{Amount: ugx(900_001), Reason: "x"}, http.StatusBadRequest},
		{"no reason", "/api/payments/gateway_transaction/1/refund", RefundRequest{Amount: ugx(100)}, http.StatusBadRequest},
		{"manual entry", "/api/payments/manual_entry/1/refund", RefundRequest{Amount: ugx(100), Reason: "x"}, http.StatusBadRequest},
		{"unknown source", "/api/payments/cheque/1/refund", RefundRequest{Amount: ugx(100), Reason: "x"}, http.StatusBadRequest},
		{"missing", "/api/payments/course_fee/99/refund", RefundRequest{Amount: ugx(100), Reason: "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body, admin)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestFinancialStatus_NoClass(t *testing.T) {
	ts := withScenario(t, "term-start")

	rec := ts.do(t, http.MethodGet, "/api/students/stu-005/financial-status", nil, staff)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/students/stu-001/financial-status?class_id=-2", nil, staff)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	ts := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/manual-entries", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", CSRFHeader)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")), strings.ToLower(CSRFHeader))
}
