/*
handlers.go - HTTP API handlers for the payment ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service. Handlers never touch
  the store for domain operations.

ENDPOINTS:
  Ledger:
    GET    /api/ledger                          Unified, filtered, paginated view

  Intake:
    POST   /api/manual-entries                  Record a manual payment

  Verification:
    GET    /api/verifications/{id}              Get request
    POST   /api/verifications/{id}/verify       pending -> verified, then post
    POST   /api/verifications/{id}/reject       pending -> rejected (reason required)
    POST   /api/verifications/{id}/cancel       pending -> cancelled
    POST   /api/verifications/{id}/repair       Post a degraded verification

  Bulk:
    POST   /api/bulk/verify                     Verify many gateway transactions
    POST   /api/bulk/refunds                    Stage refunds
    GET    /api/bulk/refunds/{handle}           Get staging
    POST   /api/bulk/refunds/{handle}/confirm   Confirm one staged refund

  Refunds / Students:
    POST   /api/payments/{source}/{id}/refund   Refund one payment
    GET    /api/students/{id}/financial-status  Balance for a class
    GET    /api/integrity                       Inconsistent balances

REQUEST FLOW:
  1. Resolve the caller (middleware.go)
  2. Parse path, query and body
  3. Call ledger.Service with the request context
  4. Serialize response (dto.go)
  5. Map errors to status codes (statusFor)

ERROR HANDLING:
  Errors are returned as JSON {error, details}; error is the ledger.Reason
  label:
  - 400: ValidationError, Unsupported
  - 401: Unauthorized
  - 404: NotFound
  - 409: DuplicateReference, AlreadyProcessed
  - 422: InvalidState
  - 500: PersistenceError
  - 502: ProcessingFailed (verified, not posted; body carries the result)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/store/sqlite"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Store   *sqlite.Store
	Log     *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. A nil logger discards output.
func NewHandler(svc *ledger.Service, store *sqlite.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service: svc,
		Store:   store,
		Log:     log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LEDGER VIEW
// =============================================================================

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter, err := ledger.ParseFilter(ledger.FilterParams{
		Status:        q.Get("status"),
		PaymentMethod: q.Get("payment_method"),
		ProgramType:   q.Get("program_type"),
		SourceType:    q.Get("source_type"),
		DateFrom:      q.Get("date_from"),
		DateTo:        q.Get("date_to"),
		Search:        q.Get("search"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if page > ledger.MaxPage {
		h.fail(w, r, &ledger.ValidationError{Field: "page", Message: fmt.Sprintf("must be at most %d", ledger.MaxPage)})
		return
	}
	size, err := queryInt(q.Get("page_size"), "page_size")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.Service.Query(r.Context(), requestContext(r), filter, ledger.PageRequest{Page: page, PageSize: size})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerPageDTO(result))
}

// =============================================================================
// MANUAL INTAKE
// =============================================================================

func (h *Handler) SubmitManualEntry(w http.ResponseWriter, r *http.Request) {
	var in ledger.ManualEntryInput
	if !decodeJSON(w, r, &in) {
		return
	}

	entry, err := h.Service.SubmitManualEntry(r.Context(), requestContext(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toManualEntryDTO(entry))
}

// =============================================================================
// VERIFICATION
// =============================================================================

func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	vr, err := h.Service.GetVerificationRequest(r.Context(), requestContext(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationRequestDTO(vr))
}

func (h *Handler) VerifyRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Service.Verify(r.Context(), requestContext(r), id)
	h.writeResult(w, r, res, err)
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body RejectRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := ledger.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}

	vr, err := h.Service.Reject(r.Context(), requestContext(r), id, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationRequestDTO(vr))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	vr, err := h.Service.Cancel(r.Context(), requestContext(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationRequestDTO(vr))
}

func (h *Handler) RepairRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Service.Repair(r.Context(), requestContext(r), id)
	h.writeResult(w, r, res, err)
}

// writeResult writes a verify/repair outcome. A degraded result is still a
// body the client needs: the request is verified even though posting failed.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res *ledger.VerificationResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toVerificationResultDTO(res, nil))
	case res != nil && res.Degraded:
		h.Log.Warn("verification degraded",
			zap.Int64("request_id", res.Request.ID),
			zap.String("request", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusBadGateway, toVerificationResultDTO(res, err))
	default:
		h.fail(w, r, err)
	}
}

// =============================================================================
// BULK
// =============================================================================

func (h *Handler) BulkVerify(w http.ResponseWriter, r *http.Request) {
	var body BulkItemsRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := ledger.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.Service.BulkVerify(r.Context(), requestContext(r), body.Items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) BulkRefund(w http.ResponseWriter, r *http.Request) {
	var body BulkItemsRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := ledger.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}

	staging, err := h.Service.BulkRefund(r.Context(), requestContext(r), body.Items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, staging)
}

func (h *Handler) GetRefundStaging(w http.ResponseWriter, r *http.Request) {
	staging, err := h.Service.RefundStaging(r.Context(), requestContext(r), chi.URLParam(r, "handle"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, staging)
}

func (h *Handler) ConfirmStagedRefund(w http.ResponseWriter, r *http.Request) {
	var body ConfirmRefundRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := ledger.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}

	entry, err := h.Service.ConfirmStagedRefund(r.Context(), requestContext(r), chi.URLParam(r, "handle"), ledger.RefundInput{
		Record: body.Record,
		Amount: body.Amount,
		Method: body.Method,
		Reason: body.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// =============================================================================
// REFUNDS / STUDENTS
// =============================================================================

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body RefundRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := ledger.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}

	entry, err := h.Service.Refund(r.Context(), requestContext(r), ledger.RefundInput{
		Record: ledger.RecordRef{SourceType: ledger.SourceType(chi.URLParam(r, "source")), ID: id},
		Amount: body.Amount,
		Method: body.Method,
		Reason: body.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

func (h *Handler) GetFinancialStatus(w http.ResponseWriter, r *http.Request) {
	studentID := strings.TrimSpace(chi.URLParam(r, "id"))
	classID, err := queryInt64(r.URL.Query().Get("class_id"), "class_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	fs, err := h.Service.FinancialStatus(r.Context(), requestContext(r), studentID, classID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialStatusDTO(*fs))
}

func (h *Handler) GetIntegrity(w http.ResponseWriter, r *http.Request) {
	faults, err := h.Service.IntegrityFaults(r.Context(), requestContext(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]FinancialStatusDTO, len(faults))
	for i, fs := range faults {
		dtos[i] = toFinancialStatusDTO(fs)
	}
	writeJSON(w, http.StatusOK, map[string]any{"faults": dtos, "count": len(dtos)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the ledger error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrProcessingFailed):
		return http.StatusBadGateway
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusUnauthorized
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeError(w, status, ledger.Reason(err), err)
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, &ledger.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return id, nil
}

// queryInt parses an optional integer query parameter; empty means zero.
func queryInt(v, name string) (int, error) {
	n, err := queryInt64(v, name)
	return int(n), err
}

func queryInt64(v, name string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, &ledger.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}
