/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/books/*          Catalog and availability
  /api/users/*          Users and their fines
  /api/loans/*          Loan lifecycle and fine settlement
  /api/reservations/*   Reservation queue
  /api/reports/*        Circulation reports
  /api/admin/*          Maintenance sweep
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/books", func(r chi.Router) {
			r.Get("/", h.ListBooks)
			r.Post("/", h.CreateBook)
			r.Get("/{id}", h.GetBook)
			r.Get("/{id}/availability", h.GetAvailability)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/fines", h.GetUserFines)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.IssueLoan)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/renew", h.RenewLoan)
			r.Post("/{id}/return", h.ReturnLoan)
			r.Post("/{id}/lost", h.MarkLost)
			r.Post("/{id}/payments", h.PayFine)
			r.Post("/{id}/waivers", h.WaiveFine)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", h.ListReservations)
			r.Post("/", h.CreateReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
			r.Post("/{id}/confirm", h.ConfirmReservation)
			r.Get("/{id}/position", h.GetQueuePosition)
		})

		r.Get("/reports/loans", h.GetLoanReport)
		r.Get("/reports/overdue", h.GetOverdueReport)
		r.Get("/policy", h.GetPolicy)
		r.Post("/admin/sweep", h.TriggerSweep)
		r.Get("/admin/sweep", h.GetLastSweep)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
