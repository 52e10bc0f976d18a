package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
	"github.com/odyssey-erp/gatekeeper/internal/view"
	"github.com/odyssey-erp/gatekeeper/jobs"
)

// Dependencies are the long-lived collaborators behind the HTTP surface.
type Dependencies struct {
	Config    *Config
	Logger    *slog.Logger
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Notifier  auth.Notifier
	Inspector *asynq.Inspector
	Metrics   *observability.Metrics
}

// NewHandler assembles the provider, handlers and router.
func NewHandler(deps Dependencies) (http.Handler, error) {
	if deps.Config == nil || deps.DB == nil || deps.Redis == nil {
		return nil, errors.New("app: config, database and redis are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := deps.Config
	providerCfg := cfg.Provider()

	templates, err := view.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("app: templates: %w", err)
	}
	sessions := shared.NewSessionManager(deps.Redis, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrf := shared.NewCSRFManager(cfg.CSRFSecret)
	repo := auth.NewRepository(deps.DB)

	provider, err := auth.NewProvider(cfg.AuthProvider, providerCfg, repo, auth.Options{
		Logger:   logger,
		Denylist: auth.NewRedisDenylist(deps.Redis),
	})
	if err != nil {
		return nil, err
	}

	var recorder auth.Recorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	params := RouterParams{
		Logger:         logger,
		Config:         cfg,
		Templates:      templates,
		SessionManager: sessions,
		CSRFManager:    csrf,
		JobHandler:     jobs.NewHandler(deps.Inspector, logger),
		Metrics:        deps.Metrics,
		HealthChecks: map[string]HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := deps.DB.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return deps.Redis.Ping(ctx).Err()
			},
		},
	}

	// The browser flows keep identity in the session, so they are only
	// mounted for the session provider. Token mode serves /api only.
	var (
		guard  *auth.Guard
		policy auth.Policy
	)
	switch provider.Name() {
	case auth.KindSession:
		tokens := auth.NewTokenManager(providerCfg, repo, deps.Notifier, logger)
		handlerOpts := []auth.HandlerOption{}
		if recorder != nil {
			handlerOpts = append(handlerOpts, auth.WithHandlerRecorder(recorder))
		}
		if cfg.AuthForgottenUniformReply {
			handlerOpts = append(handlerOpts, auth.WithUniformForgottenReply())
		}
		params.AuthHandler = auth.NewHandler(logger, provider, tokens, templates, csrf, handlerOpts...)
		guard, policy = params.AuthHandler.Guard(), auth.PolicyRedirect
	case auth.KindToken:
		params.APIHandler = auth.NewAPIHandler(logger, provider, recorder)
		guard, policy = params.APIHandler.Guard(), auth.PolicyStatus
	}
	service := rbac.NewService(deps.DB, providerCfg.Hasher, rbac.WithPasswordMaxLength(providerCfg.PasswordMaxLength))
	params.PermissionsHandler = rbac.NewPermissionsHandler(logger, service, rbac.Middleware{Guard: guard, Policy: policy})

	return NewRouter(params), nil
}

// Runtime owns the connections opened for serve and worker processes.
type Runtime struct {
	Config *Config
	Logger *slog.Logger
	DB     *gorm.DB
	Redis  *redis.Client
	Queue  *jobs.Client

	redisOpts cache.Options
}

// Open connects to the database, Redis and the job queue.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	conn, err := db.Open(ctx, cfg.DBDSN, db.Options{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour})
	if err != nil {
		return nil, err
	}
	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	client, err := cache.New(ctx, redisOpts)
	if err != nil {
		db.Close(conn, logger)
		return nil, err
	}
	queue, err := jobs.NewClient(redisOpts.QueueOpt())
	if err != nil {
		_ = client.Close()
		db.Close(conn, logger)
		return nil, err
	}
	return &Runtime{Config: cfg, Logger: logger, DB: conn, Redis: client, Queue: queue, redisOpts: redisOpts}, nil
}

// QueueOpt returns the asynq connection options.
func (rt *Runtime) QueueOpt() asynq.RedisClientOpt {
	return rt.redisOpts.QueueOpt()
}

// Close releases every connection.
func (rt *Runtime) Close() {
	if rt.Queue != nil {
		if err := rt.Queue.Close(); err != nil {
			rt.Logger.Warn("queue close", slog.Any("error", err))
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	db.Close(rt.DB, rt.Logger)
}

// Serve runs the HTTP server until ctx is cancelled.
func (rt *Runtime) Serve(ctx context.Context) error {
	inspector := asynq.NewInspector(rt.QueueOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			rt.Logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	handler, err := NewHandler(Dependencies{
		Config:    rt.Config,
		Logger:    rt.Logger,
		DB:        rt.DB,
		Redis:     rt.Redis,
		Notifier:  rt.Queue,
		Inspector: inspector,
		Metrics:   observability.NewMetrics(),
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         rt.Config.AppAddr,
		Handler:      handler,
		ReadTimeout:  rt.Config.AppReadTimeout,
		WriteTimeout: rt.Config.AppWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Logger.Info("starting http server", slog.String("addr", rt.Config.AppAddr), slog.String("provider", rt.Config.AuthProvider))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		rt.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
