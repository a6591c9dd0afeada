package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/config"
	"github.com/hackgods/barbershop-chat-scheduling/internal/db"
	redisclient "github.com/hackgods/barbershop-chat-scheduling/internal/redis"
	"github.com/hackgods/barbershop-chat-scheduling/pkg/logging"
)

// reconcile-worker writes ledger records that were parked in the outbox
// because the append failed after the calendar event was created.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Fatal("config load error", zap.Error(err))
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		logging.Default().Fatal("logger init error", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("reconcile-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.String("tenant_id", cfg.Shop.TenantID),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		appointment.NewRedisOutbox(rdb, cfg.Shop.TenantID),
		logger.Named("ledger"),
	)

	// Run once at startup
	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.Reconcile(runCtx)
	if err != nil {
		logger.Error("reconcile run error", zap.Int("reconciled", n), zap.Error(err))
		return
	}
	logger.Info("reconcile run complete", zap.Int("reconciled", n), zap.Duration("took", time.Since(start)))
}
