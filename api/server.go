/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:       Request logging
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. RequestID:    Unique ID per request, copied into ledger.RequestContext
  4. CORS:         Cross-origin requests for the back-office frontend
  5. Authenticate: Bearer JWT -> ledger.Actor (see middleware.go)

ROUTE GROUPS:
  /api/ledger              Unified ledger view
  /api/manual-entries      Manual payment intake
  /api/verifications/*     Verification state machine
  /api/bulk/*              Bulk verify, staged bulk refunds
  /api/payments/*          Single refunds
  /api/students/*          Financial status lookup
  /api/integrity           Balance integrity faults
  /api/scenarios/*         Demo data (dev only)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Identity and anti-replay
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the parts of the router that vary per deployment.
type RouterOptions struct {
	AllowedOrigins []string
	JWTSecret      []byte

	// Dev mounts the scenario routes.
	Dev bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", CSRFHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.JWTSecret))

		r.Get("/ledger", h.ListLedger)
		r.Post("/manual-entries", h.SubmitManualEntry)

		r.Route("/verifications/{id}", func(r chi.Router) {
			r.Get("/", h.GetVerification)
			r.Post("/verify", h.VerifyRequest)
			r.Post("/reject", h.RejectRequest)
			r.Post("/cancel", h.CancelRequest)
			r.Post("/repair", h.RepairRequest)
		})

		r.Route("/bulk", func(r chi.Router) {
			r.Post("/verify", h.BulkVerify)
			r.Post("/refunds", h.BulkRefund)
			r.Get("/refunds/{handle}", h.GetRefundStaging)
			r.Post("/refunds/{handle}/confirm", h.ConfirmStagedRefund)
		})

		r.Post("/payments/{source}/{id}/refund", h.RefundPayment)
		r.Get("/students/{id}/financial-status", h.GetFinancialStatus)
		r.Get("/integrity", h.GetIntegrity)

		if opts.Dev {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", nil)
	})

	return r
}
