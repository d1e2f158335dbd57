package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the service routes. A nil limiter disables rate limiting.
func NewRouter(h *Handler, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.Healthz)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/v1/proposals", h.SubmitProposal)
		r.Get("/v1/ledger/verify", h.VerifyLedger)
	})
	return r
}
