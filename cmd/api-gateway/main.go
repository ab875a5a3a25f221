package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/devspace-api/api/swagger"
	"github.com/noah-isme/devspace-api/internal/handler"
	"github.com/noah-isme/devspace-api/internal/migrations"
	"github.com/noah-isme/devspace-api/internal/repository"
	"github.com/noah-isme/devspace-api/internal/security"
	"github.com/noah-isme/devspace-api/internal/service"
	"github.com/noah-isme/devspace-api/pkg/cache"
	"github.com/noah-isme/devspace-api/pkg/config"
	"github.com/noah-isme/devspace-api/pkg/database"
	"github.com/noah-isme/devspace-api/pkg/logger"
)

// @title DevSpace API
// @version 1.0.0
// @description Authentication, sessions and project workspace API
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB, migrations.FS); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logr.Info("redis disabled; login lockout and access denylist are inactive")
	}

	metrics := service.NewMetricsService()
	metrics.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.DB, cfg.Database.Name),
	)

	validate := service.NewValidator()
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	authSvc := service.NewAuthService(service.AuthDependencies{
		Users:     userRepo,
		Tokens:    repository.NewRefreshTokenRepository(db),
		Audit:     auditRepo,
		Denylist:  repository.NewTokenDenylistRepository(redisClient),
		Attempts:  repository.NewLoginAttemptRepository(redisClient),
		Hasher:    security.NewBcryptHasher(cfg.Security.BcryptCost),
		Issuer:    security.NewTokenManager(cfg.JWT),
		Policy:    security.PolicyFromConfig(cfg.Security),
		Validator: validate,
		Metrics:   metrics,
		Logger:    logr,
	}, service.AuthConfig{
		LoginMaxAttempts:      cfg.Security.LoginMaxAttempts,
		LoginLockoutWindow:    cfg.Security.LoginLockoutWindow,
		AccessDenylist:        cfg.Security.AccessDenylist,
		RefreshReuseDetection: cfg.Security.RefreshReuseDetection,
	})

	router := handler.NewRouter(handler.RouterDeps{
		Config:          cfg,
		Logger:          logr,
		Auth:            authSvc,
		Users:           service.NewUserService(userRepo, auditRepo, validate, logr),
		Projects:        service.NewProjectService(repository.NewProjectRepository(db), validate, logr),
		Metrics:         metrics,
		Audit:           auditRepo,
		ReadinessChecks: readinessChecks(db.PingContext, redisClient),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func readinessChecks(pingDB func(context.Context) error, client *redis.Client) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"database": handler.ReadinessCheck(pingDB),
	}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}
