package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crosslend/core"
	"crosslend/gateway/middleware"
)

// Config assembles the gateway surface.
type Config struct {
	Hub           *core.Hub
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
}

// New builds the HTTP handler exposing the hub ledger. Mutating endpoints sit
// behind auth and rate limiting; health and metrics stay open.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	hub := newHubRoutes(cfg.Hub)
	r.Route("/v1", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware())
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware())
		}
		hub.mount(sr)
	})

	return otelhttp.NewHandler(r, "gateway")
}
