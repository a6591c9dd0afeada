package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/barbershop-chat-scheduling/internal/api"
	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/availability"
	"github.com/hackgods/barbershop-chat-scheduling/internal/calendar"
	"github.com/hackgods/barbershop-chat-scheduling/internal/config"
	"github.com/hackgods/barbershop-chat-scheduling/internal/conversation"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
	"github.com/hackgods/barbershop-chat-scheduling/internal/db"
	"github.com/hackgods/barbershop-chat-scheduling/internal/metrics"
	redisclient "github.com/hackgods/barbershop-chat-scheduling/internal/redis"
	"github.com/hackgods/barbershop-chat-scheduling/internal/session"
	"github.com/hackgods/barbershop-chat-scheduling/pkg/logging"
)

var version = "dev"

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

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("tenant_id", cfg.Shop.TenantID),
		zap.String("timezone", cfg.Shop.Timezone),
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

	// Connect Redis
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bookingMetrics := metrics.NewBookingMetrics(reg)

	credStore := credentials.NewStore(pgPool)
	var (
		cal       calendar.Calendar
		connector api.OAuthConnector
	)
	if cfg.Google.Configured() {
		oauthConf := credentials.NewOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		if err := requireConnected(rootCtx, credStore, cfg.Shop.TenantID); err != nil {
			logger.Fatal("google calendar not connected, run cmd/connect first",
				zap.String("tenant_id", cfg.Shop.TenantID),
				zap.Error(err),
			)
		}
		refresher := credentials.NewRefresher(credStore, cfg.Shop.TenantID, oauthConf, logger.Named("credentials"))
		cal = calendar.NewGoogleCalendar(cfg.Google.CalendarID, refresher.Token)
		connector = credentials.NewConnector(credStore, cfg.Shop.TenantID, oauthConf)
	} else {
		if cfg.Env == "prod" || cfg.Env == "production" {
			logger.Fatal("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required in production")
		}
		logger.Warn("google calendar not configured, using in-memory calendar")
		cal = calendar.NewMemory()
	}

	ledger := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		appointment.NewRedisOutbox(rdb, cfg.Shop.TenantID),
		logger.Named("ledger"),
	)

	locker := redisclient.NewRedisKeyLocker(rdb, cfg.LockTTL)

	engine := conversation.NewEngine(conversation.Deps{
		Sessions:     session.NewPgRepository(pgPool),
		Availability: availability.NewGate(cal, logger.Named("availability"), bookingMetrics),
		Calendar:     cal,
		Ledger:       ledger,
		Metrics:      bookingMetrics,
		Logger:       logger.Named("conversation"),
		SlotLocker:   locker,
	}, conversation.Rules{
		TenantID:            cfg.Shop.TenantID,
		Location:            cfg.Shop.Location,
		SessionTimeout:      cfg.Shop.SessionTimeout,
		AppointmentDuration: cfg.Shop.AppointmentDuration,
		ClosedWeekdays:      cfg.Shop.ClosedWeekdays,
		Hours:               cfg.Shop.Hours,
	})

	dispatcher := conversation.NewDispatcher(engine, locker, logger.Named("dispatcher"))

	var limiter *rate.Limiter
	if cfg.WebhookRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst)
	}

	router := api.NewRouter(api.RouterConfig{
		Messages:     dispatcher,
		Appointments: ledger,
		Connector:    connector,
		Checks: []api.DependencyCheck{
			{Name: "postgres", Critical: true, Ping: pgPool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Limiter:  limiter,
		Gatherer: reg,
		Logger:   logger.Named("http"),
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	dispatcher.Wait()
}

// requireConnected refuses to serve a tenant that never authorized the
// calendar; every booking would fail otherwise.
func requireConnected(ctx context.Context, store *credentials.Store, tenantID string) error {
	c, err := store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return credentials.ErrNotConnected
		}
		return err
	}
	if c.RefreshToken == "" {
		return credentials.ErrNotConnected
	}
	return nil
}
