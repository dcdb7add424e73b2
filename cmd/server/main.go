package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/accounts"
	"github.com/xtrntr/tradepro/internal/admin"
	"github.com/xtrntr/tradepro/internal/api"
	"github.com/xtrntr/tradepro/internal/auth"
	"github.com/xtrntr/tradepro/internal/broker"
	"github.com/xtrntr/tradepro/internal/cache"
	"github.com/xtrntr/tradepro/internal/config"
	"github.com/xtrntr/tradepro/internal/copytrade"
	"github.com/xtrntr/tradepro/internal/db"
	"github.com/xtrntr/tradepro/internal/ledger"
	"github.com/xtrntr/tradepro/internal/logging"
	"github.com/xtrntr/tradepro/internal/memstore"
	"github.com/xtrntr/tradepro/internal/notify"
	"github.com/xtrntr/tradepro/internal/profile"
	"github.com/xtrntr/tradepro/internal/security"
)

// store is everything the services need from persistence. Both the postgres
// and the in-memory implementations satisfy it.
type store interface {
	auth.Store
	ledger.Store
	copytrade.Store
	accounts.Store
	profile.Store
	notify.Store
	admin.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st     store
		health func(context.Context) error
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		st = memstore.New()
	default:
		database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach database: %w", err)
		}
		st, health = database, database.Ping
	}

	var c cache.Cache
	if cfg.Redis.Addr != "" {
		rc := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		c = rc
	} else {
		c = cache.NewMemory()
	}

	enc, err := security.NewEncryption(cfg.Security.CredentialKey)
	if err != nil {
		return err
	}
	syncer, err := broker.New(cfg.Broker.Mode)
	if err != nil {
		return err
	}

	hub := notify.NewHub(logger.Named("hub"))
	notifier := notify.NewService(st, hub, logger.Named("notify"))
	authService := auth.NewAuthService(st, c, auth.Options{
		Secret:      cfg.Auth.JWTSecret,
		TokenTTL:    cfg.Auth.TokenTTL,
		MaxAttempts: cfg.Auth.LoginMaxAttempts,
		Lockout:     cfg.Auth.LoginLockout,
		Currency:    cfg.Ledger.Currency,
	}, logger.Named("auth"))

	handler := api.NewHandler(api.Services{
		Auth:     authService,
		Ledger:   ledger.NewService(st, notifier, logger.Named("ledger"), decimal.NewFromFloat(cfg.Ledger.MaxTransactionAmount)),
		Copy:     copytrade.NewManager(st, logger.Named("copytrade")),
		Accounts: accounts.NewService(st, enc, syncer, logger.Named("accounts")),
		Profiles: profile.NewService(st, enc, logger.Named("profile")),
		Notify:   notifier,
		Hub:      hub,
		Admin:    admin.NewService(st, logger.Named("admin")),
		Roles:    st,
		Health:   health,
	}, logger.Named("http"))

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(handler, c, api.RouterOptions{
			CORSOrigins: cfg.Server.CORSOrigins,
			RateLimit:   cfg.Server.RateLimit,
			RateWindow:  cfg.Server.RateWindow,
			RateBlock:   cfg.Server.RateBlock,
			TrustProxy:  cfg.Server.TrustProxy,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Database.Driver),
			zap.String("broker", cfg.Broker.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
