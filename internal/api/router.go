package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/daelim-bridge/internal/auth"
)

// defaultWSPath is used when websocket.path is not configured.
const defaultWSPath = "/ws"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/inventory", s.handleInventory)

			r.Route("/devices", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceRead))
				r.Get("/", s.handleListDevices)

				r.Route("/{category}/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/history", s.handleDeviceHistory)
					r.With(s.requirePermission(auth.PermDeviceOperate)).Post("/command", s.handleDeviceCommand)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermSystemAdmin))
				r.Post("/refresh", s.handleRefresh)
				r.Get("/system/metrics", s.handleSystemMetrics)
				r.Get("/audit", s.handleListAudit)
			})
		})
	})

	// WebSocket authenticates inside the handler (ticket or bearer header).
	r.Get(s.wsPath(), s.handleWebSocket)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return defaultWSPath
	}
	return s.wsCfg.Path
}
