// Package server configures the HTTP router and middleware.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerdaemonhq/powerdaemon/internal/alerting"
	"github.com/powerdaemonhq/powerdaemon/internal/server/handlers"
	"github.com/powerdaemonhq/powerdaemon/internal/server/middleware"
	"github.com/powerdaemonhq/powerdaemon/internal/workflow"
	"github.com/powerdaemonhq/powerdaemon/pkg/auth"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/database"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

// Config holds dependencies for route setup.
type Config struct {
	Cfg          *config.Config
	DB           *database.DB
	Cache        cache.Cache
	Orchestrator *workflow.Orchestrator
	Alerts       *alerting.AlertStore
	Rules        *alerting.RuleStore
	Evaluator    *alerting.Evaluator
	Identity     auth.Identity
	Verifier     *auth.Service
	Logger       *logger.Logger
	BuildInfo    BuildInfo
}

// BuildInfo contains build information.
type BuildInfo struct {
	Version   string
	GitCommit string
}

// New creates a new chi router with all routes and middleware configured.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(chimiddleware.Compress(5))

	corsOptions := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if cfg.Cfg.Env == "development" {
		corsOptions.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(corsOptions))

	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Cache, cfg.Orchestrator, cfg.BuildInfo.Version, cfg.BuildInfo.GitCommit)
	authHandler := handlers.NewAuthHandler(cfg.Identity, cfg.Logger)
	workflowHandler := handlers.NewWorkflowHandler(cfg.Orchestrator, cfg.Logger)
	alertHandler := handlers.NewAlertHandler(cfg.Alerts, cfg.Logger)
	ruleHandler := handlers.NewRuleHandler(cfg.Rules, cfg.Evaluator, cfg.Logger)

	// Unauthenticated surface
	r.Get("/health", healthHandler.Readiness)
	r.Get("/health/orchestrator", healthHandler.Orchestrator)
	if cfg.Cfg.Metrics.Enabled {
		r.Handle(cfg.Cfg.Metrics.Path, promhttp.Handler())
	}
	r.Post("/api/v1/auth/login", authHandler.Login)

	// Authenticated API
	authMiddleware := middleware.Auth(middleware.AuthConfig{
		Verifier: cfg.Verifier,
		DevMode:  cfg.Cfg.Auth.DevMode,
	}, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware)

		r.Get("/auth/roles", authHandler.Roles)

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", workflowHandler.List)
			r.Post("/", workflowHandler.Create)
			r.Get("/stats", workflowHandler.Stats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", workflowHandler.Get)
				r.Get("/events", workflowHandler.Events)
				r.Post("/start", workflowHandler.Start)
				r.Post("/cancel", workflowHandler.Cancel)
				r.Post("/pause", workflowHandler.Pause)
				r.Post("/resume", workflowHandler.Resume)
				r.Post("/rollback", workflowHandler.Rollback)
			})
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", alertHandler.List)
			r.Get("/stats", alertHandler.Stats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", alertHandler.Get)
				r.Post("/ack", alertHandler.Acknowledge)
				r.Post("/resolve", alertHandler.Resolve)
				r.Post("/escalate", alertHandler.Escalate)
				r.Post("/suppress", alertHandler.Suppress)
				r.Post("/unsuppress", alertHandler.Unsuppress)
				r.Post("/comment", alertHandler.Comment)
			})
		})

		r.Route("/alert-rules", func(r chi.Router) {
			r.Get("/", ruleHandler.List)
			r.Post("/", ruleHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", ruleHandler.Get)
				r.Put("/", ruleHandler.Update)
				r.Delete("/", ruleHandler.Delete)
				r.Post("/enable", ruleHandler.Enable)
				r.Post("/disable", ruleHandler.Disable)
				r.Post("/test", ruleHandler.Test)
				r.Post("/duplicate", ruleHandler.Duplicate)
			})
		})
	})

	return r
}
