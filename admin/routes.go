package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/status", handlers.handleStatus)
	r.Get("/sinks", handlers.handleSinks)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", handlers.handleTransactionRange)
		r.Get("/last", handlers.handleLastTransaction)
		r.Get("/{txnID}", handlers.handleTransaction)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
