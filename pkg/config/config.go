// Package config assembles the orchestrator's runtime configuration
// from environment variables, following spec.md §6.7's key list, with
// an optional .env file loaded first.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// SchedulerConfig controls the tick loop and assignment retry budget.
type SchedulerConfig struct {
	TickInterval  time.Duration
	Batch         int
	AssignRetries int
	LeaseKey      string
	LeaseTTL      time.Duration
}

// HealthConfig controls the Health Prober.
type HealthConfig struct {
	TickInterval time.Duration
	ProbeTimeout time.Duration
}

// DriverConfig controls the Driver Gateway's retry budget.
type DriverConfig struct {
	StartRetries int
	BackoffBase  time.Duration
}

// WebhookConfig controls completion-timeout sweeping and outbound
// client webhook delivery.
type WebhookConfig struct {
	ExecMaxDuration time.Duration
	ClientRetries   int
}

// EventsConfig controls the in-process event bus.
type EventsConfig struct {
	QueueLimit int
}

// DatabaseConfig holds the Postgres connection parameters.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the connection parameters for the scheduler lease
// and round-robin cursor cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	ListenAddr   string
	AuthToken    string
	WebhookToken string
}

// StoreDriver selects the persistence backend.
type StoreDriver string

// Store driver values.
const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverPostgres StoreDriver = "postgres"
)

// Config is the assembled, typed configuration for one orchestrator
// instance.
type Config struct {
	Scheduler   SchedulerConfig
	Health      HealthConfig
	Driver      DriverConfig
	Webhook     WebhookConfig
	Events      EventsConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	API         APIConfig
	StoreDriver StoreDriver
	UseRedis    bool
	GitHubToken string
	AMQPURL     string
}

// Load reads an optional .env file at envPath (missing file is not an
// error — only explicitly set or already-exported variables matter),
// then assembles Config from the environment, applying spec.md §6.7's
// defaults for anything unset.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("config: could not load env file, continuing with process environment", "path", envPath, "error", err)
		}
	}

	schedTick, err := parseDurationMs("SCHED_TICK_MS", 5000)
	if err != nil {
		return nil, err
	}
	healthTick, err := parseDurationMs("HEALTH_TICK_MS", 30000)
	if err != nil {
		return nil, err
	}
	probeTimeout, err := parseDurationMs("HEALTH_PROBE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	execMax, err := parseDurationMs("EXEC_MAX_MS", 1_800_000)
	if err != nil {
		return nil, err
	}
	driverBackoff, err := parseDurationMs("DRIVER_START_BACKOFF_MS", 200)
	if err != nil {
		return nil, err
	}

	driverRetries, err := parseIntEnv("DRIVER_START_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	clientRetries, err := parseIntEnv("CLIENT_WEBHOOK_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	schedBatch, err := parseIntEnv("SCHED_BATCH", 64)
	if err != nil {
		return nil, err
	}
	assignRetries, err := parseIntEnv("SCHED_ASSIGN_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	queueLimit, err := parseIntEnv("EVENT_BUS_QUEUE_LIMIT", 256)
	if err != nil {
		return nil, err
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	dbMaxOpen, err := parseIntEnv("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	dbMaxIdle, err := parseIntEnv("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	dbMaxLifetime, err := parseDuration("DB_CONN_MAX_LIFETIME", time.Hour)
	if err != nil {
		return nil, err
	}

	redisDB, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Scheduler: SchedulerConfig{
			TickInterval:  schedTick,
			Batch:         schedBatch,
			AssignRetries: assignRetries,
			LeaseKey:      getEnvOrDefault("SCHED_LEASE_KEY", "teo:scheduler:lease"),
			LeaseTTL:      schedTick * 3,
		},
		Health: HealthConfig{
			TickInterval: healthTick,
			ProbeTimeout: probeTimeout,
		},
		Driver: DriverConfig{
			StartRetries: driverRetries,
			BackoffBase:  driverBackoff,
		},
		Webhook: WebhookConfig{
			ExecMaxDuration: execMax,
			ClientRetries:   clientRetries,
		},
		Events: EventsConfig{QueueLimit: queueLimit},
		Database: DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnvOrDefault("DB_USER", "teo"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnvOrDefault("DB_NAME", "teo"),
			SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    dbMaxOpen,
			MaxIdleConns:    dbMaxIdle,
			ConnMaxLifetime: dbMaxLifetime,
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		API: APIConfig{
			ListenAddr:   getEnvOrDefault("HTTP_ADDR", ":8080"),
			AuthToken:    os.Getenv("API_AUTH_TOKEN"),
			WebhookToken: os.Getenv("RUNNER_WEBHOOK_TOKEN"),
		},
		StoreDriver: StoreDriver(getEnvOrDefault("STORE_DRIVER", string(StoreDriverMemory))),
		UseRedis:    os.Getenv("USE_REDIS") == "true",
		GitHubToken: os.Getenv("GITHUB_TOKEN"),
		AMQPURL:     os.Getenv("AMQP_URL"),
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func parseDurationMs(key string, defaultMs int) (time.Duration, error) {
	n, err := parseIntEnv(key, defaultMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parseDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}
