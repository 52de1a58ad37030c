package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns the configured chi.Router for the LogWarden server.
//
// Route layout:
//
//	GET    /healthz                      – liveness probe (no auth)
//	GET    /metrics                      – Prometheus exposition (no auth)
//	POST   /ingest                       – shared-secret log ingestion
//	GET    /ws/live                      – live log feed WebSocket
//	GET    /api/v1/events                – event browse (JWT)
//	GET    /api/v1/alerts                – materialized alerts (JWT)
//	GET    /api/v1/detect/bruteforce     – detector report/export (JWT)
//	GET    /api/v1/detect/flood          – detector report/export (JWT)
//	GET    /api/v1/detect/portscan       – detector report/export (JWT)
//	GET    /api/v1/dashboard/summary     – dashboard summary (JWT)
//	GET    /api/v1/blocklist             – block history (JWT)
//	POST   /api/v1/blocklist             – manual block (JWT)
//	DELETE /api/v1/blocklist/{ip}        – unblock (JWT)
//	GET    /api/v1/live/recent           – hot cache read (JWT)
//	GET    /api/v1/notifications         – notification history (JWT)
//
// ingestHandler and liveHandler are mounted as-is; nil disables the
// route. jwtSecret nil disables JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, ingestHandler, liveHandler http.Handler, jwtSecret []byte, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if ingestHandler != nil {
		r.Method(http.MethodPost, "/ingest", ingestHandler)
	}
	if liveHandler != nil {
		r.Method(http.MethodGet, "/ws/live", liveHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if jwtSecret != nil {
			r.Use(JWTMiddleware(jwtSecret, log))
		}

		r.Get("/events", srv.handleGetEvents)
		r.Get("/alerts", srv.handleGetAlerts)
		r.Get("/detect/bruteforce", srv.handleBruteForce)
		r.Get("/detect/flood", srv.handleFlood)
		r.Get("/detect/portscan", srv.handlePortScan)
		r.Get("/dashboard/summary", srv.handleDashboard)
		r.Get("/blocklist", srv.handleListBlocklist)
		r.Post("/blocklist", srv.handleBlock)
		r.Delete("/blocklist/{ip}", srv.handleUnblock)
		r.Get("/live/recent", srv.handleRecentLive)
		r.Get("/notifications", srv.handleNotifications)
	})

	return r
}
