package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"teamclock/internal/platform/metrics"
	"teamclock/internal/platform/middleware"
	dErrors "teamclock/pkg/domain-errors"
	"teamclock/pkg/platform/httputil"
)

const (
	requestTimeout = 30 * time.Second
	healthTimeout  = 2 * time.Second
)

// Pinger reports whether the member store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouteRegistrar mounts a feature's routes.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// Deps is everything the router wires together.
type Deps struct {
	Logger         *slog.Logger
	Verifier       middleware.TokenVerifier
	Health         Pinger
	Metrics        *metrics.HTTP
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Routes         []RouteRegistrar
}

// NewRouter wires all public endpoints. Feature handlers run behind the
// shared middleware chain; /healthz and /metrics skip authentication.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger(d.Logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(middleware.CORS(d.AllowedOrigins))

	r.Get("/healthz", healthHandler(d.Health))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))
		r.Use(middleware.OptionalAuth(d.Verifier, d.Logger))
		for _, routes := range d.Routes {
			routes.Register(r)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "route not found"))
	})
	return r
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
