package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/ptw-platform/ptw/internal/app"
	"github.com/ptw-platform/ptw/internal/attachments"
	"github.com/ptw-platform/ptw/internal/auth"
	"github.com/ptw-platform/ptw/internal/observability"
	"github.com/ptw-platform/ptw/internal/permits"
	"github.com/ptw-platform/ptw/internal/platform/cache"
	"github.com/ptw-platform/ptw/internal/platform/db"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/roles"
	"github.com/ptw-platform/ptw/internal/shared"
	"github.com/ptw-platform/ptw/internal/users"
	"github.com/ptw-platform/ptw/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.Postgres("ptw-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	validate := validator.New()
	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)

	rbacService := rbac.NewService(rbac.NewRepository(dbpool), rbac.ServiceConfig{
		Cache:    redisClient,
		TTL:      cfg.PermissionCacheTTL,
		Logger:   logger,
		Observer: metrics,
	})
	rbacMiddleware := rbac.Middleware{Loader: rbacService, Logger: logger}

	store, err := attachments.NewS3Store(ctx, attachments.S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		logger.Error("init attachment store", slog.Any("error", err))
		os.Exit(1)
	}
	attachmentService := attachments.NewService(store, cfg.S3URLExpiry, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	permitService := permits.NewService(permits.NewRepository(dbpool), permits.Config{
		Attachments: attachmentService,
		Notifier:    jobClient,
		Metrics:     metrics,
		Logger:      logger,
	})
	authService := auth.NewService(auth.NewRepository(dbpool))
	roleService := roles.NewService(roles.NewRepository(dbpool), rbacService, logger)
	userService := users.NewService(users.NewRepository(dbpool), rbacService, auditLogger, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
		AuthHandler:        auth.NewHandler(logger, authService, sessionManager, csrfManager, validate, rbacMiddleware),
		PermitsHandler:     permits.NewHandler(logger, permitService, validate, rbacMiddleware),
		AttachmentsHandler: attachments.NewHandler(logger, attachmentService, validate, rbacMiddleware),
		RolesHandler:       roles.NewHandler(logger, roleService, validate, rbacMiddleware),
		UsersHandler:       users.NewHandler(logger, userService, validate, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
