package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fcastrocs/steamidler/internal/config"
	"github.com/fcastrocs/steamidler/internal/crypto"
	"github.com/fcastrocs/steamidler/internal/database"
	"github.com/fcastrocs/steamidler/internal/farming"
	"github.com/fcastrocs/steamidler/internal/httpserver"
	"github.com/fcastrocs/steamidler/internal/logging"
	"github.com/fcastrocs/steamidler/internal/notify"
	"github.com/fcastrocs/steamidler/internal/redis"
	"github.com/fcastrocs/steamidler/internal/registry"
	"github.com/fcastrocs/steamidler/internal/steam"
	"github.com/fcastrocs/steamidler/internal/steam/client"
)

const notifyPingInterval = 30 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return rdb
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.CredentialKey == "" {
		slog.Warn("CREDENTIAL_ENCRYPTION_KEY not set, storing credentials unencrypted")
		return crypto.NoopService{}
	}
	svc, err := crypto.NewAesGcmService(cfg.CredentialKey)
	if err != nil {
		slog.Error("Failed to initialize credential encryption", "error", err)
		os.Exit(1)
	}
	return svc
}

func runGracefulShutdown(srv *httpserver.Server, scheduler *farming.Scheduler, hub *notify.Hub, stopSweeper func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopSweeper()
		scheduler.StopAll()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	cryptoSvc := setupCrypto(cfg)
	accounts := database.NewAccountRepo(pool, cryptoSvc)
	proxies := database.NewProxyRepo(pool)
	verifications := redis.NewVerificationStore(redisClient, cfg.VerificationTTL, clock)

	hub := notify.NewHub(clock, notifyPingInterval)
	reg := registry.New()
	factory := client.NewFactory()

	scheduler := farming.NewScheduler(reg, accounts, factory, hub, clock, cfg.FarmingInterval)
	manager := steam.NewManager(accounts, proxies, verifications, reg, scheduler, factory, hub, clock, cfg.ReconnectMaxAttempts)

	healthChecks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}

	srv := httpserver.NewServer(cfg, manager, scheduler, accounts, proxies, hub, healthChecks)
	stopSweeper := manager.StartVerificationSweeper()
	done := runGracefulShutdown(srv, scheduler, hub, stopSweeper)

	// Accounts stranded in a live status by an unclean shutdown re-enter
	// the reconnect loop in the background.
	if err := manager.Reconcile(context.Background()); err != nil {
		slog.Error("Startup reconciliation failed", "error", err)
	}

	if err := srv.Start(); err != nil {
		slog.Error("Server stopped", "error", err)
	}

	<-done
	slog.Info("Shutdown complete")
}
