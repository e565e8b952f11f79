package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueBackendRedis = "redis"
	QueueBackendNATS  = "nats"
)

// Config holds runtime configuration values for the API and worker processes.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	WorkerID string

	DatabaseURL string
	RedisURL    string
	NATSURL     string

	QueueBackend           string
	QueueName              string
	QueueVisibilityTimeout time.Duration
	WorkerConcurrency      int

	DispatchMaxInFlight  int
	DispatchFileTimeout  time.Duration
	DispatchMaxAttempts  int
	DispatchBackoff      string
	RunDeadline          time.Duration
	RunQueuedTimeout     time.Duration
	RunMaxAttempts       int
	ReaperInterval       time.Duration
	StrictPairScoreOrder bool

	DockerHost          string
	DockerNetwork       string
	DefenseMemoryMB     int64
	DefenseNanoCPUs     int64
	DefensePidsLimit    int64
	DefenseStartTimeout time.Duration
	DefensePort         int

	GatewayURL    string
	GatewaySecret string

	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreBucket    string
	ObjectStoreSecure    bool

	IngestMaxFiles          int
	IngestMaxUncompressedMB int64

	EventsChannel string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// NewDispatchBackOff builds the per-file retry strategy from DispatchBackoff.
func (c Config) NewDispatchBackOff() (*backoff.ExponentialBackOff, error) {
	b := backoff.NewExponentialBackOff()
	if strings.TrimSpace(c.DispatchBackoff) == "" {
		return b, nil
	}
	if err := ParseExponentialBackOff(c.DispatchBackoff, b); err != nil {
		return nil, fmt.Errorf("invalid dispatch backoff: %w", err)
	}
	return b, nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARENA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"queue.visibility_timeout",
		"dispatch.file_timeout",
		"run.deadline",
		"run.queued_timeout",
		"reaper.interval",
		"defense.start_timeout",
	} {
		raw := v.GetString(key)
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:  v.GetString("app.name"),
		AppEnv:   v.GetString("app.env"),
		AppPort:  v.GetString("app.port"),
		WorkerID: v.GetString("worker.id"),

		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),

		QueueBackend:           strings.ToLower(v.GetString("queue.backend")),
		QueueName:              v.GetString("queue.name"),
		QueueVisibilityTimeout: durations["queue.visibility_timeout"],
		WorkerConcurrency:      v.GetInt("worker.concurrency"),

		DispatchMaxInFlight:  v.GetInt("dispatch.max_in_flight"),
		DispatchFileTimeout:  durations["dispatch.file_timeout"],
		DispatchMaxAttempts:  v.GetInt("dispatch.max_attempts"),
		DispatchBackoff:      v.GetString("dispatch.backoff"),
		RunDeadline:          durations["run.deadline"],
		RunQueuedTimeout:     durations["run.queued_timeout"],
		RunMaxAttempts:       v.GetInt("run.max_attempts"),
		ReaperInterval:       durations["reaper.interval"],
		StrictPairScoreOrder: v.GetBool("pair_score.strict_ordering"),

		DockerHost:          v.GetString("docker.host"),
		DockerNetwork:       v.GetString("docker.network"),
		DefenseMemoryMB:     v.GetInt64("defense.memory_mb"),
		DefenseNanoCPUs:     v.GetInt64("defense.nano_cpus"),
		DefensePidsLimit:    v.GetInt64("defense.pids_limit"),
		DefenseStartTimeout: durations["defense.start_timeout"],
		DefensePort:         v.GetInt("defense.port"),

		GatewayURL:    v.GetString("gateway.url"),
		GatewaySecret: v.GetString("gateway.secret"),

		ObjectStoreEndpoint:  v.GetString("objectstore.endpoint"),
		ObjectStoreAccessKey: v.GetString("objectstore.access_key"),
		ObjectStoreSecretKey: v.GetString("objectstore.secret_key"),
		ObjectStoreBucket:    v.GetString("objectstore.bucket"),
		ObjectStoreSecure:    v.GetBool("objectstore.secure"),

		IngestMaxFiles:          v.GetInt("ingest.max_files"),
		IngestMaxUncompressedMB: v.GetInt64("ingest.max_uncompressed_mb"),

		EventsChannel: v.GetString("events.channel"),
	}

	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	switch cfg.QueueBackend {
	case QueueBackendRedis, QueueBackendNATS:
	default:
		return Config{}, fmt.Errorf("unsupported queue backend %q", cfg.QueueBackend)
	}

	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 2
	}
	if cfg.DispatchMaxInFlight <= 0 {
		cfg.DispatchMaxInFlight = 8
	}
	if cfg.DispatchMaxAttempts <= 0 {
		cfg.DispatchMaxAttempts = 3
	}
	if cfg.RunMaxAttempts <= 0 {
		cfg.RunMaxAttempts = 3
	}
	if cfg.DefensePort <= 0 {
		cfg.DefensePort = 8080
	}

	if _, err := cfg.NewDispatchBackOff(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "MLSEC Arena Engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("queue.backend", QueueBackendRedis)
	v.SetDefault("queue.name", "arena:evaluation")
	v.SetDefault("queue.visibility_timeout", "10m")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("dispatch.max_in_flight", 8)
	v.SetDefault("dispatch.file_timeout", "5s")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff", "[0.25 5] *2 ~0.2 <30")
	v.SetDefault("run.deadline", "30m")
	v.SetDefault("run.queued_timeout", "2h")
	v.SetDefault("run.max_attempts", 3)
	v.SetDefault("reaper.interval", "1m")
	v.SetDefault("pair_score.strict_ordering", false)
	v.SetDefault("docker.network", "eval_net")
	v.SetDefault("defense.memory_mb", 1024)
	v.SetDefault("defense.nano_cpus", 1000000000)
	v.SetDefault("defense.pids_limit", 200)
	v.SetDefault("defense.start_timeout", "300s")
	v.SetDefault("defense.port", 8080)
	v.SetDefault("objectstore.bucket", "arena-artifacts")
	v.SetDefault("objectstore.secure", false)
	v.SetDefault("ingest.max_files", 10000)
	v.SetDefault("ingest.max_uncompressed_mb", 10240)
	v.SetDefault("events.channel", "arena:events")
}
