package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/metrics"
	"github.com/alecgard/dexy/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router. Nil stores disable
// the routes that need them.
type RouterDeps struct {
	Execute        http.Handler
	Auth           *auth.Service
	Limiter        *ratelimit.Limiter
	Credentials    CredentialStore
	Usage          UsageReader
	Metrics        *metrics.Metrics
	DB             Pinger
	Manifest       Manifest
	AdminKeyHash   string
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestLogger(deps.Metrics))

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/dexy.json", wellKnownHandler(deps.Manifest))

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// The execute handler authenticates and rate limits itself so that
	// failures map onto its own state machine.
	if deps.Execute != nil {
		r.Post("/execute/{agentID}", deps.Execute.ServeHTTP)
	}

	creds := newCredentialsHandler(deps.Credentials)
	usage := newUsageHandler(deps.Usage)

	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKeyHash))

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
		if deps.Credentials != nil {
			ar.Post("/credentials", creds.Create)
			ar.Get("/credentials", creds.ListAdmin)
			ar.Get("/credentials/{id}", creds.Get)
			ar.Delete("/credentials/{id}", creds.Revoke)
		}
		if deps.Usage != nil {
			ar.Get("/usage/records", usage.ListAdmin)
		}
	})

	if deps.Auth != nil {
		r.Route("/api/v1", func(ar chi.Router) {
			ar.Use(auth.PrincipalAuthMiddleware(deps.Auth))
			if deps.Limiter != nil {
				var onReject []func()
				if deps.Metrics != nil {
					onReject = append(onReject, deps.Metrics.IncRateLimitRejection)
				}
				ar.Use(ratelimit.Middleware(deps.Limiter, onReject...))
			}

			if deps.Credentials != nil {
				ar.Get("/credentials", creds.ListOwn)
			}
			if deps.Usage != nil {
				ar.Get("/usage/daily", usage.Daily)
				ar.Get("/usage/records", usage.ListOwn)
			}
		})
	}

	return r
}

// healthHandler reports liveness, and database reachability when db is set.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}
