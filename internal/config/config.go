// Package config provides configuration loading for the dagrunner binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
)

// Store, backend and blob types accepted by Validate.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"

	BlobMemory = blobstore.TypeMemory
	BlobS3     = blobstore.TypeS3
	BlobMinIO  = blobstore.TypeMinIO
)

// Config holds all configuration for dagrunner, dagworker and dagctl.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// State store: "memory", "redis" or "sqlite"
	StateStore  string
	SQLitePath  string
	RunStoreTTL time.Duration
	EventMaxLen int64

	// DAG registry: "memory" or "redis"
	RegistryStore string

	// DAG bag
	DAGsDir            string
	DAGsReloadInterval time.Duration

	// XCom: "memory" or "redis"
	XComStore            string
	XComTTL              time.Duration
	XComOffloadThreshold int

	// Blob storage for logs and offloaded XCom values
	BlobType        string
	S3Endpoint      string
	S3Bucket        string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	BlobPathPrefix  string
	TaskLogMaxBytes int

	// Scheduler
	SchedulerInterval time.Duration
	SchedulerEnabled  bool

	// Execution backend: "sequential", "local" or "redis"
	Backend           string
	Parallelism       int
	StreamPrefix      string
	StreamGroup       string
	InstanceID        string
	StreamMaxLen      int64
	WorkerID          string
	WorkerConcurrency int
	WorkerClaimIdle   time.Duration

	// Email operator
	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	// Kubernetes operator
	K8sEnabled        bool
	K8sNamespace      string
	K8sInCluster      bool
	K8sKubeconfig     string
	K8sServiceAccount string
	K8sPollInterval   time.Duration
	K8sDeleteFinished bool

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// Service tokens (HS256) accepted next to or instead of OIDC
	AuthTokenSecret   string
	AuthTokenIssuer   string
	AuthRequiredRoles []string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Tracing
	OTELEnabled     bool
	OTELEndpoint    string
	OTELServiceName string
	OTELSampleRate  float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0), // event streams are long-lived
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 30*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// State store
		StateStore:  strings.ToLower(getEnv("STATE_STORE", StoreMemory)),
		SQLitePath:  getEnv("SQLITE_PATH", "dagrunner.db"),
		RunStoreTTL: getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen: getInt64("EVENT_MAX_LEN", 5000),

		RegistryStore: strings.ToLower(getEnv("REGISTRY_STORE", StoreMemory)),

		// DAG bag
		DAGsDir:            getEnv("DAGS_DIR", "./dags"),
		DAGsReloadInterval: getDuration("DAGS_RELOAD_INTERVAL", 0),

		// XCom
		XComStore:            strings.ToLower(getEnv("XCOM_STORE", StoreMemory)),
		XComTTL:              getDuration("XCOM_TTL", 7*24*time.Hour),
		XComOffloadThreshold: getInt("XCOM_OFFLOAD_THRESHOLD", 64*1024),

		// Blob storage
		BlobType:        strings.ToLower(getEnv("BLOB_TYPE", BlobMemory)),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Bucket:        getEnv("S3_BUCKET", "dagrunner"),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:        getBool("S3_USE_SSL", true),
		BlobPathPrefix:  getEnv("BLOB_PATH_PREFIX", "dagrunner"),
		TaskLogMaxBytes: getInt("TASK_LOG_MAX_BYTES", 4<<20),

		// Scheduler
		SchedulerInterval: getDuration("SCHEDULER_INTERVAL", 5*time.Second),
		SchedulerEnabled:  getBool("SCHEDULER_ENABLED", true),

		// Execution backend
		Backend:           strings.ToLower(getEnv("EXECUTOR_BACKEND", "local")),
		Parallelism:       getInt("EXECUTOR_PARALLELISM", 8),
		StreamPrefix:      getEnv("STREAM_PREFIX", "dagrunner"),
		StreamGroup:       getEnv("STREAM_GROUP", "workers"),
		InstanceID:        getEnv("INSTANCE_ID", defaultHostname()),
		StreamMaxLen:      getInt64("STREAM_MAX_LEN", 100000),
		WorkerID:          getEnv("WORKER_ID", ""),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 4),
		WorkerClaimIdle:   getDuration("WORKER_CLAIM_IDLE", 5*time.Minute),

		// Email operator
		SMTPAddr:     getEnv("SMTP_ADDR", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "dagrunner@localhost"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		// Kubernetes operator
		K8sEnabled:        getBool("K8S_ENABLED", false),
		K8sNamespace:      getEnv("K8S_NAMESPACE", "mentatlab"),
		K8sInCluster:      getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig:     getEnv("KUBECONFIG", ""),
		K8sServiceAccount: getEnv("K8S_SERVICE_ACCOUNT", "default"),
		K8sPollInterval:   getDuration("K8S_POLL_INTERVAL", 2*time.Second),
		K8sDeleteFinished: getBool("K8S_DELETE_FINISHED", true),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		AuthTokenSecret:   getEnv("AUTH_TOKEN_SECRET", ""),
		AuthTokenIssuer:   getEnv("AUTH_TOKEN_ISSUER", "dagrunner"),
		AuthRequiredRoles: getStringSlice("AUTH_REQUIRED_ROLES", nil),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),

		// Rate limiting
		RateLimitEnabled: getBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPS:     getFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   getInt("RATE_LIMIT_BURST", 100),

		// Tracing
		OTELEnabled:     getBool("OTEL_ENABLED", false),
		OTELEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELServiceName: getEnv("OTEL_SERVICE_NAME", "mentatlab-dagrunner"),
		OTELSampleRate:  getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// AuthEnabled reports whether any bearer token verifier is configured.
func (c *Config) AuthEnabled() bool {
	return c.OIDCEnabled || c.AuthTokenSecret != ""
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(name, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %s)", name, val, strings.Join(allowed, ", ")))
	}

	oneOf("STATE_STORE", c.StateStore, StoreMemory, StoreRedis, StoreSQLite)
	oneOf("REGISTRY_STORE", c.RegistryStore, StoreMemory, StoreRedis)
	oneOf("XCOM_STORE", c.XComStore, StoreMemory, StoreRedis)
	oneOf("BLOB_TYPE", c.BlobType, BlobMemory, BlobS3, BlobMinIO)
	oneOf("EXECUTOR_BACKEND", c.Backend, "sequential", "local", "redis")

	if c.Parallelism < 1 {
		errs = append(errs, errors.New("EXECUTOR_PARALLELISM must be at least 1"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.WorkerClaimIdle <= 0 {
		errs = append(errs, errors.New("WORKER_CLAIM_IDLE must be positive"))
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be positive"))
	}
	if c.OIDCEnabled && (c.OIDCIssuer == "" || c.OIDCClientID == "") {
		errs = append(errs, errors.New("OIDC_ENABLED requires OIDC_ISSUER and OIDC_CLIENT_ID"))
	}
	if c.StateStore == StoreSQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite state store"))
	}
	return errors.Join(errs...)
}

func defaultHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "dagrunner"
	}
	return host
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
