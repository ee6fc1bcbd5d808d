package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/inaiurai/settlement/internal/auth"
	"github.com/inaiurai/settlement/internal/handlers"
	"github.com/inaiurai/settlement/internal/middleware"
)

var (
	readers  = []auth.Role{auth.RoleViewer, auth.RoleAdmin, auth.RoleOwner}
	deciders = []auth.Role{auth.RoleAdmin, auth.RoleOwner}
)

// New returns the API handler. Every /api/v1 route requires a bearer token.
func New(h *handlers.Handler, tokens middleware.TokenValidator, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(tokens))

		r.Route("/enrollments", func(r chi.Router) {
			r.With(middleware.RequireRole(readers...)).Get("/", h.ListEnrollments)
			r.With(middleware.RequireRole(readers...)).Get("/overdue", h.ListOverdue)
			r.With(middleware.RequireRole(append(readers, auth.RoleShopper)...)).Get("/{id}", h.GetEnrollment)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(deciders...))
				r.Post("/", h.CreateEnrollment)
				r.Post("/bulk", h.BulkUpdate)
				r.Post("/{id}/open-submission", h.OpenSubmission)
				r.Post("/{id}/approve", h.ApproveEnrollment)
				r.Post("/{id}/reject", h.RejectEnrollment)
				r.Post("/{id}/request-changes", h.RequestChanges)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(auth.RoleShopper, auth.RoleAdmin, auth.RoleOwner))
				r.Post("/{id}/submit", h.SubmitEnrollment)
				r.Post("/{id}/withdraw", h.WithdrawEnrollment)
			})
		})

		r.Route("/wallet", func(r chi.Router) {
			r.With(middleware.RequireRole(readers...)).Get("/", h.GetWallet)
			r.With(middleware.RequireRole(readers...)).Get("/entries", h.ListLedgerEntries)
			r.With(middleware.RequireRole(deciders...)).Get("/reconciliation", h.ReconcileWallet)
			r.With(middleware.RequireRole(deciders...)).Post("/credits", h.CreditWallet)
			r.With(middleware.RequireRole(auth.RoleOwner)).Post("/withdrawals", h.WithdrawFunds)
			r.With(middleware.RequireRole(auth.RoleOwner)).Put("/credit-limit", h.SetCreditLimit)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.With(middleware.RequireRole(readers...)).Get("/", h.ListInvoices)
			r.With(middleware.RequireRole(readers...)).Get("/{id}", h.GetInvoice)
			r.With(middleware.RequireRole(readers...)).Get("/{id}/pdf", h.InvoicePDF)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(deciders...))
				r.Post("/aggregate", h.AggregateInvoice)
				r.Post("/{id}/paid", h.MarkInvoicePaid)
				r.Post("/{id}/overdue", h.MarkInvoiceOverdue)
				r.Post("/{id}/cancel", h.CancelInvoice)
			})
		})

		r.With(middleware.RequireRole(readers...)).Get("/dashboard", h.GetDashboard)

		r.Route("/campaigns", func(r chi.Router) {
			r.With(middleware.RequireRole(readers...)).Get("/", h.ListCampaigns)
			r.With(middleware.RequireRole(readers...)).Get("/{id}", h.GetCampaign)
			r.With(middleware.RequireRole(deciders...)).Post("/", h.CreateCampaign)
			r.With(middleware.RequireRole(deciders...)).Put("/{id}/rates", h.UpdateCampaignRates)
		})
	})

	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()))
		})
	}
}
