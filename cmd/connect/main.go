package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/config"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
	"github.com/hackgods/barbershop-chat-scheduling/internal/db"
	"github.com/hackgods/barbershop-chat-scheduling/pkg/logging"
)

// connect serves the one-off Google consent flow for the shop owner and
// exits once the tokens are stored.
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

	if !cfg.Google.Configured() || cfg.Google.RedirectURL == "" {
		logger.Fatal("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL are required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()

	conf := credentials.NewOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	connector := credentials.NewConnector(credentials.NewStore(pgPool), cfg.Shop.TenantID, conf)

	state := uuid.NewString()
	done := make(chan struct{})
	var once sync.Once

	r := chi.NewRouter()
	r.Get("/auth", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, connector.AuthURL(state), http.StatusFound)
	})
	r.Get("/oauth2callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch, start again at /auth", http.StatusBadRequest)
			return
		}
		err := connector.Exchange(r.Context(), r.URL.Query().Get("code"))
		switch {
		case errors.Is(err, credentials.ErrNoRefreshToken):
			http.Error(w, "Google did not return a refresh token. Remove the app at "+
				"https://myaccount.google.com/permissions and open /auth again.", http.StatusBadRequest)
			return
		case err != nil:
			logger.Error("oauth exchange failed", zap.Error(err))
			http.Error(w, "authentication failed, check the server log and open /auth again", http.StatusBadGateway)
			return
		}
		logger.Info("tokens stored", zap.String("tenant_id", cfg.Shop.TenantID))
		_, _ = w.Write([]byte("Google Calendar connected. You can close this window and start api-server.\n"))
		once.Do(func() { close(done) })
	})

	port := os.Getenv("AUTH_SERVER_PORT")
	if port == "" {
		port = "3000"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()
	logger.Info("open this link to connect the shop calendar", zap.String("url", "http://localhost:"+port+"/auth"))

	select {
	case <-done:
		// let the success page flush before closing
		time.Sleep(2 * time.Second)
	case <-rootCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
