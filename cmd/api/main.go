package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mailroomhq/mailroom/internal/config"
	"github.com/mailroomhq/mailroom/internal/handler"
	"github.com/mailroomhq/mailroom/internal/infra/postgresql"
	"github.com/mailroomhq/mailroom/internal/infra/postgresql/migrations"
	infraredis "github.com/mailroomhq/mailroom/internal/infra/redis"
	"github.com/mailroomhq/mailroom/internal/mailer"
	"github.com/mailroomhq/mailroom/internal/observability"
	"github.com/mailroomhq/mailroom/internal/ratelimit"
	"github.com/mailroomhq/mailroom/internal/render"
	"github.com/mailroomhq/mailroom/internal/repository"
	"github.com/mailroomhq/mailroom/internal/retry"
	"github.com/mailroomhq/mailroom/internal/service"
	"github.com/mailroomhq/mailroom/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	// Redis is optional: without it the per-second send ceiling is enforced
	// in process instead of across instances.
	var rdb *goredis.Client
	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err = infraredis.NewRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
	} else {
		logger.Info("redis not configured, using in-process rate limiter")
		limiter = ratelimit.NewLocalRateLimiter(cfg.RateLimitPerSec)
	}

	metrics := observability.NewMetrics()

	smtpMailer, err := mailer.NewSMTP(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		MaxConns: cfg.SMTPMaxConns,
	}, limiter)
	if err != nil {
		logger.Fatal("smtp transport initialization failed", zap.Error(err))
	}

	policy := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		Delay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
		Retryable:   mailer.IsTransient,
	}

	batchRepo := repository.NewGormBatchRepo(db)
	recipientRepo := repository.NewGormRecipientRepo(db)

	dispatchSvc, err := service.NewDispatchService(batchRepo, recipientRepo, smtpMailer, policy, logger, metrics)
	if err != nil {
		logger.Fatal("dispatch service initialization failed", zap.Error(err))
	}

	sessions := render.NewChromeFactory(cfg.ChromePath)
	renderSvc, err := service.NewRenderService(batchRepo, recipientRepo, sessions, logger, metrics)
	if err != nil {
		logger.Fatal("render service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "mailroom",
		ErrorHandler: transport.ErrorHandler(logger),
		// Retry delays keep a dispatch request open for minutes; the write
		// side stays unbounded so archive streams are never cut mid-entry.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  90 * time.Second,
		BodyLimit:    32 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	renderTimeout := time.Duration(cfg.RenderTimeoutSeconds) * time.Second
	if err := handler.RegisterBatchRoutes(app, dispatchSvc, renderSvc, logger, renderTimeout); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()
	logger.Info("mailroom api started", zap.Int("port", cfg.APIPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
