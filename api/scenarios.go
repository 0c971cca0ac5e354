/*
scenarios.go - Demo scenario loaders for local development

PURPOSE:

	Provides pre-built scenarios that populate the database with a small
	school: classes with fees, programs, courses, students, back-office
	users, and payments in every source table. Each scenario leaves the
	ledger in a state that demonstrates one part of the workflow.

AVAILABLE SCENARIOS:

	term-start:       Fresh term, gateway and fee payments, nothing verified
	verification:     Manual entries and uploaded claims waiting for review
	refunds:          Verified and posted payments ready to be refunded

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed the school (classes, programs, courses, students, users)
 3. Insert source payments directly, as the gateway would
 4. Drive the workflow through ledger.Service as the system actor

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "verification"}

NOTE:

	Scenarios reset the database. Routes are only mounted with dev=true.

SEE ALSO:
  - handlers.go: Handler
  - store/sqlite/fixtures.go: Seed helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "term-start",
		Name:        "Term Start",
		Description: "Gateway, registration and course fee payments at the start of term; nothing verified yet",
	},
	{
		ID:          "verification",
		Name:        "Verification Queue",
		Description: "Manual entries and student-uploaded claims waiting for an admin, plus one degraded verification",
	},
	{
		ID:          "refunds",
		Name:        "Refunds",
		Description: "Verified and posted payments, one already partially overpaid, ready for refunds",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios, "current": current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ledger.ValidateStruct(req); err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if ledger.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, "unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the database and loads one scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "term-start":
		load = h.loadTermStartScenario
	case "verification":
		load = h.loadVerificationScenario
	case "refunds":
		load = h.loadRefundsScenario
	default:
		return fmt.Errorf("scenario %q: %w", id, ledger.ErrNotFound)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""
	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.Log.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// SCHOOL SEED
// =============================================================================

const (
	classS4 int64 = 1
	classS5 int64 = 2

	programDiploma int64 = 1
	programShort   int64 = 2

	courseAccounting int64 = 1
	courseICT        int64 = 2

	demoAdmin = "admin-001"
)

func ugx(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func ptr(v int64) *int64 {
	return &v
}

// seedSchool creates the upstream rows every scenario shares.
func (h *Handler) seedSchool(ctx context.Context) error {
	classes := []sqlite.Class{
		{ID: classS4, Name: "Senior Four", Fee: ugx(1_500_000)},
		{ID: classS5, Name: "Senior Five", Fee: ugx(1_800_000)},
	}
	for _, c := range classes {
		if err := h.Store.SaveClass(ctx, c); err != nil {
			return err
		}
	}

	programs := []sqlite.Program{
		{ID: programDiploma, Name: "Diploma in Business", ProgramType: "diploma", RegistrationFee: ugx(100_000)},
		{ID: programShort, Name: "Computer Literacy", ProgramType: "short_course", RegistrationFee: ugx(50_000)},
	}
	for _, p := range programs {
		if err := h.Store.SaveProgram(ctx, p); err != nil {
			return err
		}
	}

	courses := []sqlite.Course{
		{ID: courseAccounting, ProgramID: programDiploma, Name: "Financial Accounting", Fee: ugx(350_000)},
		{ID: courseICT, ProgramID: programShort, Name: "Office Applications", Fee: ugx(200_000)},
	}
	for _, c := range courses {
		if err := h.Store.SaveCourse(ctx, c); err != nil {
			return err
		}
	}

	students := []sqlite.Student{
		{ID: "stu-001", Name: "Amina Nakato", Email: "amina@example.com", Phone: "+256700000001", ClassID: ptr(classS4)},
		{ID: "stu-002", Name: "Brian Okello", Email: "brian@example.com", Phone: "+256700000002", ClassID: ptr(classS4)},
		{ID: "stu-003", Name: "Grace Atim", Email: "grace@example.com", Phone: "+256700000003", ClassID: ptr(classS5)},
		{ID: "stu-004", Name: "David Mugisha", Email: "david@example.com", Phone: "+256700000004", ClassID: ptr(classS5)},
		{ID: "stu-005", Name: "Esther Namuli", Email: "esther@example.com", Phone: "+256700000005"},
	}
	for _, s := range students {
		if err := h.Store.SaveStudent(ctx, s); err != nil {
			return err
		}
	}

	users := []sqlite.User{
		{ID: demoAdmin, Name: "Bursar", Role: ledger.RoleAdmin},
		{ID: "admin-002", Name: "Deputy Bursar", Role: ledger.RoleAdmin},
		{ID: "staff-001", Name: "Front Desk", Role: ledger.RoleStaff},
	}
	for _, u := range users {
		if err := h.Store.SaveUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// demoContext acts for the demo admin without an anti-replay token.
func demoContext() ledger.RequestContext {
	return ledger.RequestContext{Actor: ledger.Actor{ID: demoAdmin, Role: ledger.RoleSystem}}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadTermStartScenario(ctx context.Context) error {
	if err := h.seedSchool(ctx); err != nil {
		return err
	}
	start := time.Now().UTC().AddDate(0, 0, -14)

	gateway := []sqlite.Payment{
		{Reference: "GW-1001", StudentID: "stu-001", ClassID: ptr(classS4), Amount: ugx(750_000), PaymentMethod: "mobile_money", Description: "Term 1 tuition, first half"},
		{Reference: "GW-1002", StudentID: "stu-002", ClassID: ptr(classS4), Amount: ugx(1_500_000), PaymentMethod: "bank_transfer", Description: "Term 1 tuition"},
		{Reference: "GW-1003", StudentID: "stu-003", Amount: ugx(900_000), PaymentMethod: "mobile_money", Status: ledger.PaymentPending},
		{Reference: "GW-1004", StudentID: "stu-004", Amount: ugx(400_000), PaymentMethod: "card", Status: ledger.PaymentFailed},
	}
	for i, p := range gateway {
		p.CreatedAt = start.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := h.Store.InsertGatewayTransaction(ctx, p); err != nil {
			return fmt.Errorf("gateway %s: %w", p.Reference, err)
		}
	}

	fees := []sqlite.Payment{
		{Reference: "REG-2001", StudentID: "stu-003", ProgramID: ptr(programDiploma), Amount: ugx(100_000), PaymentMethod: "cash"},
		{Reference: "REG-2002", StudentID: "stu-005", ProgramID: ptr(programShort), Amount: ugx(50_000), PaymentMethod: "mobile_money"},
	}
	for i, p := range fees {
		p.CreatedAt = start.Add(time.Duration(i)*24*time.Hour + time.Hour)
		if _, err := h.Store.InsertRegistrationFeePayment(ctx, p); err != nil {
			return fmt.Errorf("registration fee %s: %w", p.Reference, err)
		}
	}

	courses := []sqlite.Payment{
		{Reference: "CRS-3001", StudentID: "stu-003", CourseID: courseAccounting, Amount: ugx(350_000), PaymentMethod: "bank_transfer"},
		{Reference: "CRS-3002", StudentID: "stu-005", CourseID: courseICT, Amount: ugx(200_000), PaymentMethod: "cash", Status: ledger.PaymentPending},
	}
	for i, p := range courses {
		p.CreatedAt = start.Add(time.Duration(i)*24*time.Hour + 2*time.Hour)
		if _, err := h.Store.InsertCourseFeePayment(ctx, p); err != nil {
			return fmt.Errorf("course fee %s: %w", p.Reference, err)
		}
	}
	return nil
}

func (h *Handler) loadVerificationScenario(ctx context.Context) error {
	if err := h.loadTermStartScenario(ctx); err != nil {
		return err
	}
	rc := demoContext()

	entries := []ledger.ManualEntryInput{
		{
			RecordType: ledger.RecordAcademic, StudentID: "stu-001", ClassID: ptr(classS4),
			ProgramID: ptr(programDiploma), CourseID: ptr(courseAccounting),
			PaymentType: "tuition", Amount: ugx(750_000), PaymentMethod: "cash",
			TransactionReference: "RCPT-0001", Description: "Second half of term 1 tuition, paid at the bursary",
		},
		{
			RecordType: ledger.RecordAcademic, StudentID: "stu-004", ClassID: ptr(classS5),
			ProgramID: ptr(programDiploma), CourseID: ptr(courseAccounting),
			PaymentType: "tuition", Amount: ugx(600_000), PaymentMethod: "bank_deposit",
			TransactionReference: "BANK-88213", ProofText: "Deposit slip 88213, Stanbic Kampala Road",
		},
		{
			RecordType: ledger.RecordNonAcademic, ClientName: "Kampala Hiking Club", ClientEmail: "club@example.com",
			ServiceCategory: "hall_hire", Amount: ugx(300_000), PaymentMethod: "cash",
			TransactionReference: "HALL-0007", Description: "Main hall, Saturday",
		},
	}
	for _, in := range entries {
		if _, err := h.Service.SubmitManualEntry(ctx, rc, in); err != nil {
			return fmt.Errorf("manual entry %s: %w", in.TransactionReference, err)
		}
	}

	// A claim a student uploaded from the portal.
	if _, err := h.Store.InsertVerificationRequest(ctx, ledger.VerificationRequest{
		PaymentReference: "MM-55120931",
		StudentID:        "stu-002",
		PaymentType:      string(ledger.TxTuition),
		ClassID:          ptr(classS4),
		Amount:           ugx(200_000),
		PaymentMethod:    "mobile_money",
		ProofText:        "MTN MoMo transaction 55120931",
	}); err != nil {
		return err
	}

	// Verified but never posted: the repair path picks this one up.
	now := time.Now().UTC()
	_, err := h.Store.InsertVerificationRequest(ctx, ledger.VerificationRequest{
		PaymentReference: "BANK-77001",
		StudentID:        "stu-003",
		PaymentType:      string(ledger.TxTuition),
		ClassID:          ptr(classS5),
		Amount:           ugx(500_000),
		PaymentMethod:    "bank_transfer",
		Status:           ledger.VerificationVerified,
		VerifiedBy:       demoAdmin,
		VerifiedAt:       &now,
	})
	return err
}

func (h *Handler) loadRefundsScenario(ctx context.Context) error {
	if err := h.loadTermStartScenario(ctx); err != nil {
		return err
	}
	rc := demoContext()

	page, err := h.Service.Query(ctx, rc, ledger.Filter{Status: ledger.PaymentCompleted}, ledger.PageRequest{PageSize: ledger.MaxPageSize})
	if err != nil {
		return err
	}
	var items []ledger.RecordRef
	for _, rec := range page.Rows {
		if rec.SourceType == ledger.SourceGatewayTransaction {
			items = append(items, rec.Ref())
		}
	}
	result, err := h.Service.BulkVerify(ctx, rc, items)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("bulk verify: %d items failed, first: %s", len(result.Failed), result.Failed[0].Detail)
	}

	// Overpay stu-002 so the refund has something to correct.
	id, err := h.Store.InsertGatewayTransaction(ctx, sqlite.Payment{
		Reference:     "GW-1005",
		StudentID:     "stu-002",
		ClassID:       ptr(classS4),
		Amount:        ugx(250_000),
		PaymentMethod: "mobile_money",
		Description:   "Duplicate tuition payment",
	})
	if err != nil {
		return err
	}
	result, err = h.Service.BulkVerify(ctx, rc, []ledger.RecordRef{{SourceType: ledger.SourceGatewayTransaction, ID: id}})
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("verify GW-1005: %s", result.Failed[0].Detail)
	}
	return nil
}
