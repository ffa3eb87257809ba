package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/meetrelay/internal/audit"
	"github.com/wisbric/meetrelay/internal/auth"
	"github.com/wisbric/meetrelay/internal/config"
	"github.com/wisbric/meetrelay/internal/telemetry"
	"github.com/wisbric/meetrelay/internal/wsserver"
	"github.com/wisbric/meetrelay/pkg/meet"
	"github.com/wisbric/meetrelay/pkg/storage"
)

func main() {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(os.Args[1:], bootstrap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	stopWatch := config.WatchFile(cfg.ConfigPath, logger)
	defer stopWatch()

	store, err := storage.New(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening data dir %s: %w", cfg.DataDir, err)
	}

	sessions := auth.NewSessionTable(
		time.Duration(cfg.Session.AbsoluteTTLSecs)*time.Second,
		time.Duration(cfg.Session.IdleTTLSecs)*time.Second,
	)

	backoff := auth.BackoffParams{
		MaxAttempts: cfg.RateLimit.MaxAttempts,
		BaseBackoff: time.Duration(cfg.RateLimit.BaseBackoffSecs) * time.Second,
		MaxBackoff:  time.Duration(cfg.RateLimit.MaxBackoffSecs) * time.Second,
	}

	var rdb *redis.Client
	var persister *auth.Persister
	var limiter auth.Limiter

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis_url: %w", err)
		}
		rdb = redis.NewClient(opts)
		limiter = auth.NewRedisLimiter(rdb, backoff)

		if cfg.SessionPersistenceKey != "" {
			persister, err = auth.NewPersister(rdb, []byte(cfg.SessionPersistenceKey), logger)
			if err != nil {
				return fmt.Errorf("creating session persister: %w", err)
			}
			if err := persister.Load(context.Background(), sessions); err != nil {
				logger.Warn("loading persisted sessions", "error", err)
			}
		} else {
			logger.Warn("redis_url set without session_persistence_key; sessions will not persist across restarts")
		}
	} else {
		limiter = auth.NewMemoryLimiter(backoff)
		logger.Warn("redis_url not set; rate limiting and session persistence are process-local only")
	}

	registry := meet.NewRegistry(store, logger)
	auditLogger := audit.NewLogger(logger)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(telemetry.All()...)

	server := wsserver.NewServer(wsserver.Config{
		Logger:          logger,
		Registry:        registry,
		Sessions:        sessions,
		Limiter:         limiter,
		Storage:         store,
		PasswordPolicy:  passwordPolicyFromConfig(cfg),
		Audit:           auditLogger,
		MetricsRegistry: metricsRegistry,
	})

	httpServer := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopSweeper := startBackgroundSweeps(ctx, sessions, registry, logger)
	defer stopSweeper()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "bind_addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.BindAddr, err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}

	registry.ShutdownAll(shutdownCtx)

	if persister != nil {
		if err := persister.Save(shutdownCtx, sessions); err != nil {
			logger.Warn("saving session snapshot", "error", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	return nil
}

// startBackgroundSweeps periodically evicts expired sessions and samples
// the active-sessions/active-meets gauges. Returns a func that stops it.
func startBackgroundSweeps(ctx context.Context, sessions *auth.SessionTable, registry *meet.Registry, logger *slog.Logger) func() {
	ticker := time.NewTicker(time.Minute)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				if n := sessions.Sweep(); n > 0 {
					logger.Debug("swept expired sessions", "count", n)
				}
				telemetry.ActiveSessionsGauge.Set(float64(sessions.Count()))
				telemetry.ActiveMeetsGauge.Set(float64(registry.Count()))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		<-done
	}
}

func passwordPolicyFromConfig(cfg *config.Config) auth.PasswordPolicy {
	return auth.PasswordPolicy{
		MinLength:      cfg.PasswordRequirements.MinLength,
		RequireUpper:   cfg.PasswordRequirements.RequireUpper,
		RequireLower:   cfg.PasswordRequirements.RequireLower,
		RequireDigit:   cfg.PasswordRequirements.RequireDigit,
		RequireSpecial: cfg.PasswordRequirements.RequireSpecial,
	}
}
