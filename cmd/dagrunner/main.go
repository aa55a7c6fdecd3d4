// Package main is the entry point for the dagrunner service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/api"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/auth"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/config"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dagbag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/executor"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/operator"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/tracing"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/validator"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("dagrunner stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("dagrunner stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dagrunner",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("state_store", cfg.StateStore),
		slog.String("backend", cfg.Backend),
	)

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    cfg.OTELServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
		SampleRate:     cfg.OTELSampleRate,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	var client *redis.Client
	if needsRedis(cfg) {
		client, err = runstore.NewRedisClient(redisConfig(cfg))
		if err != nil {
			return err
		}
		defer client.Close()
	}

	store, err := openRunStore(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := openRegistry(cfg, client)

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	logs := logstore.New(blobs)
	xc := openXCom(cfg, client, blobs)

	v, err := validator.New()
	if err != nil {
		return err
	}
	loader := dagbag.NewLoader(reg, v, logger)
	if cfg.DAGsDir != "" {
		res, err := loader.LoadDir(ctx, cfg.DAGsDir)
		if err != nil {
			logger.Warn("dag bag not loaded", slog.String("dir", cfg.DAGsDir), slog.Any("error", err))
		} else {
			logger.Info("dag bag loaded",
				slog.String("dir", cfg.DAGsDir),
				slog.Int("dags", len(res.Loaded)),
				slog.Int("errors", len(res.Errors)),
			)
		}
	}

	ops, err := operators(cfg, logger)
	if err != nil {
		return err
	}
	runner := operator.NewRunner(ops, xc, operator.RunnerConfig{
		Worker:      cfg.InstanceID,
		Logs:        logs,
		Events:      operator.NewRunStoreEmitter(store),
		MaxLogBytes: cfg.TaskLogMaxBytes,
	}, logger)

	backend, err := openBackend(ctx, cfg, client, runner, logger)
	if err != nil {
		return err
	}

	exec := executor.New(store, reg, xc, backend, executor.Config{Logger: logger})
	sched := scheduler.New(reg, store, exec, scheduler.Config{
		Interval: cfg.SchedulerInterval,
		Logger:   logger,
	})
	if err := sched.Recover(ctx); err != nil {
		logger.Error("run recovery failed", "error", err)
	}

	var extra []mux.MiddlewareFunc
	var limiter *auth.PerIPRateLimiter
	if cfg.RateLimitEnabled {
		limiter = auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer limiter.Stop()
		extra = append(extra, limiter.Handler)
	}
	if cfg.AuthEnabled() {
		var verifiers []auth.Verifier
		if cfg.OIDCEnabled {
			oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
				Issuer:   cfg.OIDCIssuer,
				ClientID: cfg.OIDCClientID,
			})
			if err != nil {
				return err
			}
			verifiers = append(verifiers, oidcVerifier)
		}
		if cfg.AuthTokenSecret != "" {
			verifiers = append(verifiers, auth.NewTokenVerifier(cfg.AuthTokenSecret, cfg.AuthTokenIssuer))
		}
		mw := auth.NewMiddleware(&auth.MiddlewareConfig{
			RequiredRoles: cfg.AuthRequiredRoles,
			Logger:        logger,
		}, verifiers...)
		extra = append(extra, mw.Handler)
		logger.Info("authentication enabled", slog.Int("verifiers", len(verifiers)))
	}

	handlers := api.NewHandlers(api.Deps{
		Registry: reg,
		Store:    store,
		Runs:     exec,
		Trigger:  sched,
		XCom:     xc,
		Logs:     logs,
		Loader:   loader,
		Config:   cfg,
		Logger:   logger,
	})
	server := api.NewServer(handlers, extra...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.SchedulerEnabled {
		g.Go(func() error { return sched.Run(gctx) })
	}
	if cfg.DAGsDir != "" && cfg.DAGsReloadInterval > 0 {
		g.Go(func() error { return loader.Watch(gctx, cfg.DAGsDir, cfg.DAGsReloadInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if err := exec.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runs still active at shutdown; they resume on restart", "error", err)
		}
		if err := backend.Close(shutdownCtx); err != nil {
			logger.Error("backend close error", "error", err)
		}
		return nil
	})

	return g.Wait()
}
