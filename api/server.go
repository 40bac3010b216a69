/*
server.go - HTTP server setup and routing

PURPOSE:
  Configures the chi router, middleware stack and route table for the
  lending engine API.

MIDDLEWARE STACK (order matters):
  1. RequestID - tags each request for log correlation
  2. Logger    - request logging
  3. Recoverer - panic recovery (500 instead of crash)
  4. CORS      - cross-origin support for browser frontends

SEE ALSO:
  - handlers.go: The handlers these routes dispatch to
  - cmd/server/main.go: Server startup and lifecycle
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the full route table over the handler.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.ListSources)
			r.Post("/", h.CreateSource)
			r.Get("/{id}", h.GetSource)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.CreateLoan)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetLoan)
				r.Put("/", h.EditLoan)
				r.Get("/due", h.GetDue)
				r.Get("/ledger", h.GetLedger)
				r.Post("/payments", h.RecordPayment)
				r.Post("/entries/{entryID}/reverse", h.ReverseEntry)
				r.Get("/agreements", h.ListAgreements)
				r.Post("/agreements", h.CreateAgreement)
			})
		})

		r.Route("/agreements/{id}", func(r chi.Router) {
			r.Get("/", h.GetAgreement)
			r.Post("/payments", h.PayAgreement)
			r.Post("/break", h.BreakAgreement)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
