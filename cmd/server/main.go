package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expense-backend/internal/audit"
	"expense-backend/internal/auth"
	"expense-backend/internal/config"
	"expense-backend/internal/database"
	"expense-backend/internal/expense"
	"expense-backend/internal/extraction"
	"expense-backend/internal/locker"
	"expense-backend/internal/logging"
	"expense-backend/internal/models"
	"expense-backend/internal/server"
	"expense-backend/internal/store"
	"expense-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.Init(cfg, logger)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	st := store.New(db)

	var locks locker.Locker = locker.NewLocal()
	if cfg.RedisURL != "" {
		opt, err := goredislib.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := goredislib.NewClient(opt)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.NetworkTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis unreachable", zap.Error(err))
		}
		locks = locker.NewRedis(rdb, locker.DefaultOptions(cfg.NetworkTimeout))
		logger.Info("using redis expense locks")
	}

	var ext extraction.Client = extraction.NewLogClient(logger)
	if cfg.ExtractionURL != "" {
		ext = extraction.NewHTTPClient(extraction.HTTPConfig{
			URL:     cfg.ExtractionURL,
			APIKey:  cfg.ExtractionAPIKey,
			Budget:  cfg.NetworkTimeout,
			Retries: cfg.ExtractionMaxRetries,
		}, logger)
	} else {
		logger.Warn("EXTRACTION_URL not set, extraction requests are only logged")
	}

	auditWriter := audit.NewWriter(db)
	svc := workflow.New(st, locks, ext, auditWriter, logger, workflow.Options{
		Timeout:       cfg.NetworkTimeout,
		ExtractionTTL: cfg.ExtractionTTL,
		CallbackURL:   cfg.CallbackURL(),
	})
	authSvc := auth.NewService(st, cfg.JWTSecret)

	app := server.New(cfg.CORSOrigins, logger)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	// Public
	api.Post("/auth/register", auth.RegisterHandler(authSvc))
	api.Post("/auth/login", auth.LoginHandler(authSvc))
	api.Post("/extraction/callback", expense.CallbackHandler(svc, cfg.ExtractionCallbackSecret))

	// Protected
	protected := api.Group("", auth.JWTMiddleware(authSvc))
	protected.Get("/auth/me", auth.MeHandler())
	expense.Register(protected, svc)
	protected.Get("/audit-logs", auth.RequireRole(models.RoleManager, models.RoleAdmin), audit.ListAuditLogsHandler(auditWriter))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.HTTPPort))
		return app.Listen(":" + cfg.HTTPPort)
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.ExtractionSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(cfg.NetworkTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
