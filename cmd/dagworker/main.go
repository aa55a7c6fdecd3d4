// Package main runs a dagrunner worker that executes task jobs pulled from
// the Redis job stream.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/config"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/operator"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/tracing"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/worker"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
)

var version = "dev"

func main() {
	cfg := config.Load()

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
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    cfg.OTELServiceName + "-worker",
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

	redisCfg := runstore.DefaultRedisConfig()
	redisCfg.URL = cfg.RedisURL
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TTL = cfg.RunStoreTTL
	redisCfg.EventMaxLen = cfg.EventMaxLen
	client, err := runstore.NewRedisClient(redisCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	blobs, err := blobstore.New(ctx, &blobstore.Config{
		Type:            cfg.BlobType,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		UseSSL:          cfg.S3UseSSL,
		PathPrefix:      cfg.BlobPathPrefix,
	})
	if err != nil {
		return err
	}
	if cfg.BlobType == config.BlobMemory {
		logger.Warn("task logs and offloaded xcom values stay in this worker's memory; set BLOB_TYPE=s3 to share them")
	}

	var xc xcom.Store = xcom.NewRedisStore(client, "xcom", cfg.XComTTL)
	if cfg.XComOffloadThreshold > 0 {
		xc = xcom.NewOffloading(xc, blobs, cfg.XComOffloadThreshold)
	}

	ops := operator.NewRegistry()
	if cfg.SMTPAddr != "" {
		ops.RegisterEmail(operator.NewSMTPSender(operator.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}))
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = worker.DefaultID()
	}
	logger.Info("starting dagworker", slog.String("version", version), slog.String("worker", workerID))

	runner := operator.NewRunner(ops, xc, operator.RunnerConfig{
		Worker:      workerID,
		Logs:        logstore.New(blobs),
		Events:      operator.NewRunStoreEmitter(runstore.NewRedisStoreFromClient(client, redisCfg)),
		MaxLogBytes: cfg.TaskLogMaxBytes,
	}, logger)

	streams := driver.DefaultRedisConfig()
	if cfg.StreamPrefix != "" {
		streams.Prefix = cfg.StreamPrefix
	}
	if cfg.StreamGroup != "" {
		streams.WorkerGroup = cfg.StreamGroup
	}
	if cfg.StreamMaxLen > 0 {
		streams.MaxLen = cfg.StreamMaxLen
	}

	w := worker.New(client, runner, worker.Config{
		ID:          workerID,
		Concurrency: cfg.WorkerConcurrency,
		ClaimIdle:   cfg.WorkerClaimIdle,
		Streams:     streams,
	}, logger)
	return w.Run(ctx)
}
