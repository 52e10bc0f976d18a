package app

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
	"github.com/odyssey-erp/gatekeeper/internal/view"
	"github.com/odyssey-erp/gatekeeper/jobs"
	"github.com/odyssey-erp/gatekeeper/web"
)

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Templates          *view.Engine
	SessionManager     *shared.SessionManager
	CSRFManager        *shared.CSRFManager
	AuthHandler        *auth.Handler
	APIHandler         *auth.APIHandler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	HealthChecks       map[string]HealthCheck
}

// NewRouter constructs the chi.Router. Browser routes run behind the session
// and CSRF middleware; /api routes are stateless.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rateLimit := 0
	if params.Config != nil {
		rateLimit = params.Config.LoginRateLimit
	}

	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(logger, params.HealthChecks))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	r.Group(func(r chi.Router) {
		r.Use(params.SessionManager.Middleware(logger))
		r.Use(params.CSRFManager.Middleware(logger))

		// Browser pages exist only for the session provider.
		if params.AuthHandler != nil {
			r.With(params.AuthHandler.Guard().Identify).Get("/", homeHandler(logger, params.Templates, params.CSRFManager))
			r.Route("/auth", func(r chi.Router) {
				r.Use(LoginRateLimit(rateLimit))
				params.AuthHandler.MountRoutes(r)
			})
			if params.PermissionsHandler != nil && params.APIHandler == nil {
				r.Route("/admin", func(r chi.Router) {
					r.Use(params.AuthHandler.Guard().Identify)
					params.PermissionsHandler.MountRoutes(r)
				})
			}
		}
	})

	if params.APIHandler != nil {
		r.Route("/api", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				r.Use(LoginRateLimit(rateLimit))
				params.APIHandler.MountRoutes(r)
			})
			if params.PermissionsHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Use(params.APIHandler.Guard().Identify)
					params.PermissionsHandler.MountRoutes(r)
				})
			}
		})
	}

	return r
}

func homeHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		data := view.TemplateData{
			Title:       "Gatekeeper",
			Flash:       shared.PopFlash(r.Context()),
			CurrentPath: r.URL.Path,
		}
		if sess != nil && csrf != nil {
			data.CSRFToken, _ = csrf.EnsureToken(r.Context(), sess)
		}
		if user := auth.UserFromContext(r.Context()); user != nil {
			data.Identity = user.Username
		}
		if err := templates.Render(w, "pages/home.html", data); err != nil {
			logger.Error("render home", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(logger *slog.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(checks))
			}
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", slog.String("check", name), slog.Any("error", err))
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httpx.JSON(w, status, resp)
	}
}

// staticCacheHandler caches static assets in the browser for an hour.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
