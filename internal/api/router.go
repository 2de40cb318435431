package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-gateway/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// Reads are open so the control surface works without credentials. Writes
// and the audit trail require a bearer token when security.jwt.secret is
// set.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Push channel. Commands on it are not authenticated.
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/assets", s.handleGetAssets)
		r.Get("/state", s.handleGetState)
		r.Get("/adapters", s.handleListAdapters)
		r.Get("/adapters/{key}/uiconfig", s.handleAdapterUIConfig)
		r.Post("/assets/validate", s.handleValidateAssets)

		r.With(s.requirePermission(auth.PermAssetsManage)).Put("/assets", s.handlePutAssets)
		r.With(s.requirePermission(auth.PermControlOperate)).Post("/assets/{id}/controls/{control}", s.handleSetControl)
		r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
	})

	return r
}
