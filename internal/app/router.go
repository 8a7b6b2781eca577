package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/casare-rpa/internal/adapter/httpserver"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Operator API: bearer-authenticated, rate limited per client IP.
	r.Group(func(op chi.Router) {
		op.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		op.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		op.Use(httpserver.OperatorAuth(cfg))

		op.Post("/v1/jobs", srv.SubmitJobHandler())
		op.Get("/v1/jobs", srv.ListJobsHandler())
		op.Get("/v1/jobs/{id}", srv.JobStatusHandler())
		op.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		op.Post("/v1/jobs/{id}/pause", srv.PauseJobHandler())
		op.Post("/v1/jobs/{id}/resume", srv.ResumeJobHandler())
		op.Get("/v1/jobs/{id}/events", srv.JobEventsHandler())

		op.Post("/v1/workflows/validate", srv.ValidateWorkflowHandler())
		op.Put("/v1/workflows/{workflowID}/overrides/{nodeID}", srv.SetOverrideHandler())
		op.Get("/v1/workflows/{workflowID}/overrides", srv.ListOverridesHandler())
		op.Delete("/v1/workflows/{workflowID}/overrides/{nodeID}", srv.RemoveOverrideHandler())

		op.Post("/v1/robots", srv.RegisterRobotHandler())
		op.Get("/v1/robots", srv.ListRobotsHandler())
		op.Get("/v1/robots/{id}", srv.GetRobotHandler())
		op.Patch("/v1/robots/{id}/status", srv.SetRobotStatusHandler())

		op.Get("/v1/stats", srv.StatsHandler())
	})

	// The event stream is long-lived: authenticated, but outside the
	// request timeout (http.TimeoutHandler cannot hijack).
	r.Group(func(ws chi.Router) {
		ws.Use(httpserver.OperatorAuth(cfg))
		ws.Get("/v1/jobs/{id}/stream", srv.StreamJobHandler())
	})

	// Robot API: authenticated by per-robot API key. Heartbeats arrive
	// every few seconds per robot, so no IP rate limit here.
	r.Group(func(rb chi.Router) {
		rb.Use(httpserver.TimeoutMiddleware(15 * time.Second))
		rb.Use(httpserver.RobotAuth(srv.Fleet))
		rb.Post("/v1/robots/heartbeat", srv.HeartbeatHandler())
	})

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	// OpenAPI if present
	r.Get("/openapi.yaml", srv.OpenAPIServe())

	return httpserver.SecurityHeaders(r)
}
