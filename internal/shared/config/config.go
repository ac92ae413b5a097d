package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Aggregator AggregatorConfig
	Webhook    WebhookConfig
	Sync       SyncConfig
	Scheduler  SchedulerConfig
	Redis      RedisConfig
	TLS        TLSConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type AggregatorConfig struct {
	BaseURL           string
	ClientID          string
	Secret            string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type WebhookConfig struct {
	Hardened      bool
	MaxTokenAge   time.Duration
	KeyCacheTTL   time.Duration
	RetentionDays int
	ReplayAge     time.Duration // Unprocessed records younger than this are left alone
	ReplayBatch   int
}

type SyncConfig struct {
	MaxPages     int
	CallTimeout  time.Duration
	LeaseTimeout time.Duration
	LeaseTTL     time.Duration
	ApplyTimeout time.Duration
}

type SchedulerConfig struct {
	Enabled      bool
	SyncSpec     string
	ReplaySpec   string
	PruneSpec    string
	WorkerCount  int
	JobDelay     time.Duration
	QueueSize    int
	RunOnStartup bool
}

type RedisConfig struct {
	URL string // Empty disables the cross-process lease
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
	SampleRatio  float64
}

// Load reads configuration from the environment, after merging an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	var p parser

	dbPort := p.int("DB_PORT", 5432)

	aggregator := AggregatorConfig{
		BaseURL:           getEnv("AGGREGATOR_BASE_URL", "https://sandbox.plaid.com"),
		ClientID:          getEnv("AGGREGATOR_CLIENT_ID", ""),
		Secret:            getEnv("AGGREGATOR_SECRET", ""),
		RequestsPerSecond: p.float("AGGREGATOR_REQUESTS_PER_SECOND", 10),
		Burst:             p.int("AGGREGATOR_BURST", 5),
		Timeout:           p.duration("AGGREGATOR_TIMEOUT", 30*time.Second),
	}

	webhook := WebhookConfig{
		Hardened:      getBoolEnv("WEBHOOK_HARDENED", true),
		MaxTokenAge:   p.duration("WEBHOOK_MAX_TOKEN_AGE", 5*time.Minute),
		KeyCacheTTL:   p.duration("WEBHOOK_KEY_CACHE_TTL", 24*time.Hour),
		RetentionDays: p.int("WEBHOOK_RETENTION_DAYS", 90),
		ReplayAge:     p.duration("WEBHOOK_REPLAY_AGE", 5*time.Minute),
		ReplayBatch:   p.int("WEBHOOK_REPLAY_BATCH", 100),
	}

	sync := SyncConfig{
		MaxPages:     p.int("SYNC_MAX_PAGES", 50),
		CallTimeout:  p.duration("SYNC_CALL_TIMEOUT", 30*time.Second),
		LeaseTimeout: p.duration("SYNC_LEASE_TIMEOUT", 5*time.Second),
		LeaseTTL:     p.duration("SYNC_LEASE_TTL", 10*time.Minute),
		ApplyTimeout: p.duration("SYNC_APPLY_TIMEOUT", 30*time.Second),
	}

	scheduler := SchedulerConfig{
		Enabled:      getBoolEnv("SCHEDULER_ENABLED", true),
		SyncSpec:     getEnv("SCHEDULER_SYNC_SPEC", "0 5,10,14,20 * * *"),
		ReplaySpec:   getEnv("SCHEDULER_REPLAY_SPEC", "@every 5m"),
		PruneSpec:    getEnv("SCHEDULER_PRUNE_SPEC", "30 3 * * *"),
		WorkerCount:  p.int("SCHEDULER_WORKERS", 5),
		JobDelay:     p.duration("SCHEDULER_JOB_DELAY", time.Second),
		QueueSize:    p.int("SCHEDULER_QUEUE_SIZE", 100),
		RunOnStartup: getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
	}

	sampleRatio := p.float("OTEL_SAMPLE_RATIO", 1)

	if p.err != nil {
		return nil, p.err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: splitList(getEnv("ALLOWED_HOSTS", "")),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "ledgersync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ledgersync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Aggregator: aggregator,
		Webhook:    webhook,
		Sync:       sync,
		Scheduler:  scheduler,
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "ledgersync-api"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
			SampleRatio:  sampleRatio,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	if c.Sync.MaxPages <= 0 {
		return fmt.Errorf("SYNC_MAX_PAGES must be positive")
	}
	if c.Webhook.RetentionDays <= 0 {
		return fmt.Errorf("WEBHOOK_RETENTION_DAYS must be positive")
	}
	if c.Aggregator.RequestsPerSecond < 0 {
		return fmt.Errorf("AGGREGATOR_REQUESTS_PER_SECOND must not be negative")
	}
	return nil
}

// Retention is how long processed webhook records are kept
func (c *WebhookConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// parser keeps the first parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return n
}

func (p *parser) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return f
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return d
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
