// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cytosync/cytosync/internal/collab"
	"github.com/cytosync/cytosync/internal/config"
	"github.com/cytosync/cytosync/internal/persistence"
)

// NewRouter builds the full HTTP handler tree.
func NewRouter(cfg *config.Config, registry *collab.Registry, saver *persistence.Autosaver) http.Handler {
	h := NewHandler(cfg, registry, saver)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/v1/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		reqs, window := cfg.Security.RateLimitReqs, cfg.Security.RateLimitWindow
		if reqs <= 0 {
			reqs = 300
		}
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(reqs, window))

		r.Route("/collaboration", func(r chi.Router) {
			r.Get("/id", h.CollaborationID)
			r.Get("/available", h.Available)
		})
		r.Route("/history/{image}/{id}", func(r chi.Router) {
			r.Get("/versions", h.HistoryVersions)
			r.Post("/revert", h.HistoryRevert)
		})
	})

	// The WebSocket join endpoint sits outside /api: it is long-lived and
	// must not count against the per-IP request budget.
	r.Get("/collaboration/{id}", h.Collaboration)

	return r
}
