package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/config"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/k8s"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/operator"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
)

// needsRedis reports whether any configured component lives in Redis.
func needsRedis(cfg *config.Config) bool {
	return cfg.StateStore == config.StoreRedis ||
		cfg.RegistryStore == config.StoreRedis ||
		cfg.XComStore == config.StoreRedis ||
		cfg.Backend == driver.BackendRedis
}

func redisConfig(cfg *config.Config) *runstore.RedisConfig {
	rc := runstore.DefaultRedisConfig()
	rc.URL = cfg.RedisURL
	rc.Password = cfg.RedisPassword
	rc.DB = cfg.RedisDB
	rc.TTL = cfg.RunStoreTTL
	rc.EventMaxLen = cfg.EventMaxLen
	return rc
}

func openRunStore(ctx context.Context, cfg *config.Config, client *redis.Client, logger *slog.Logger) (runstore.RunStore, error) {
	storeCfg := &runstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
	}
	switch cfg.StateStore {
	case config.StoreRedis:
		logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		return runstore.NewRedisStoreFromClient(client, redisConfig(cfg)), nil
	case config.StoreSQLite:
		state, err := runstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite runstore: %w", err)
		}
		logger.Info("using SQLite runstore", slog.String("path", cfg.SQLitePath))
		return runstore.Compose(state, runstore.NewMemoryEvents(storeCfg)), nil
	default:
		logger.Info("using in-memory runstore")
		return runstore.Compose(runstore.NewMemoryStore(storeCfg), runstore.NewMemoryEvents(storeCfg)), nil
	}
}

func openRegistry(cfg *config.Config, client *redis.Client) registry.Registry {
	if cfg.RegistryStore == config.StoreRedis {
		return registry.NewRedisRegistryFromClient(client)
	}
	return registry.NewMemoryRegistry()
}

func openXCom(cfg *config.Config, client *redis.Client, blobs blobstore.Backend) xcom.Store {
	var store xcom.Store
	if cfg.XComStore == config.StoreRedis {
		store = xcom.NewRedisStore(client, "xcom", cfg.XComTTL)
	} else {
		store = xcom.NewMemoryStore()
	}
	if cfg.XComOffloadThreshold > 0 {
		store = xcom.NewOffloading(store, blobs, cfg.XComOffloadThreshold)
	}
	return store
}

func openBlobs(ctx context.Context, cfg *config.Config) (blobstore.Backend, error) {
	return blobstore.New(ctx, &blobstore.Config{
		Type:            cfg.BlobType,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		UseSSL:          cfg.S3UseSSL,
		PathPrefix:      cfg.BlobPathPrefix,
	})
}

// operators registers the built-in operators that need external services.
// empty, bash, func and condition are always available.
func operators(cfg *config.Config, logger *slog.Logger) (*operator.Registry, error) {
	ops := operator.NewRegistry()

	if cfg.SMTPAddr != "" {
		ops.RegisterEmail(operator.NewSMTPSender(operator.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}))
		logger.Info("email operator enabled", slog.String("smtp", cfg.SMTPAddr))
	}

	if cfg.K8sEnabled {
		client, err := k8s.NewClient(&k8s.Config{
			InCluster:  cfg.K8sInCluster,
			Kubeconfig: cfg.K8sKubeconfig,
			Namespace:  cfg.K8sNamespace,
		})
		if err != nil {
			return nil, fmt.Errorf("create kubernetes client: %w", err)
		}
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Namespace = cfg.K8sNamespace
		if cfg.K8sServiceAccount != "" {
			jobCfg.ServiceAccountName = cfg.K8sServiceAccount
		}
		ops.RegisterKubernetes(client, k8s.NewJobBuilder(jobCfg), k8s.RunOptions{
			PollInterval:       cfg.K8sPollInterval,
			DeleteOnCompletion: cfg.K8sDeleteFinished,
			Logger:             logger,
		})
		logger.Info("kubernetes operator enabled", slog.String("namespace", cfg.K8sNamespace))
	}

	logger.Debug("operators registered", slog.Any("kinds", ops.Kinds()))
	return ops, nil
}

func streamConfig(cfg *config.Config) driver.RedisConfig {
	sc := driver.DefaultRedisConfig()
	if cfg.StreamPrefix != "" {
		sc.Prefix = cfg.StreamPrefix
	}
	if cfg.StreamGroup != "" {
		sc.WorkerGroup = cfg.StreamGroup
	}
	if cfg.InstanceID != "" {
		sc.Instance = cfg.InstanceID
	}
	if cfg.StreamMaxLen > 0 {
		sc.MaxLen = cfg.StreamMaxLen
	}
	return sc
}

func openBackend(ctx context.Context, cfg *config.Config, client *redis.Client, runner *operator.Runner, logger *slog.Logger) (driver.Backend, error) {
	switch cfg.Backend {
	case driver.BackendSequential:
		return driver.NewSequential(runner), nil
	case driver.BackendRedis:
		return driver.NewRedisBackend(ctx, client, streamConfig(cfg), logger)
	default:
		return driver.NewLocal(runner, cfg.Parallelism), nil
	}
}
