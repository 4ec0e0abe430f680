package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/ForgeSync/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. The change
// intake is rate limited per source IP; snapshot reads are not, since the
// cache in front of them already bounds database load.
func MountRoutes(r chi.Router, h *Handlers, limiter *middleware.RateLimiter) {
	r.Route("/api", func(r chi.Router) {
		r.With(limiter.Handler).Post("/changes", h.SubmitChange)
		r.Get("/summaries", h.GetSummaries)
	})
}
