// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. COPYDESK_BROKER_TIMEOUT.
const EnvPrefix = "COPYDESK_"

// APIServerConfig configures the HTTP surface.
type APIServerConfig struct {
	Addr           string   `yaml:"addr" env:"ADDR"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// BrokerConfig configures the brokerage gateway client.
type BrokerConfig struct {
	BaseURL           string        `yaml:"baseURL" env:"BASE_URL"`
	PlaceBaseURL      string        `yaml:"placeBaseURL" env:"PLACE_BASE_URL"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
}

// ReplicationConfig sizes the fan-out pool and names placement tags.
type ReplicationConfig struct {
	FanoutWorkers WorkerSetting `yaml:"fanoutWorkers" env:"FANOUT_WORKERS"`
	FanoutQueue   int           `yaml:"fanoutQueue" env:"FANOUT_QUEUE"`
	TagPrefix     string        `yaml:"tagPrefix" env:"TAG_PREFIX"`
}

// ReconcileConfig configures the status reconciliation loop.
type ReconcileConfig struct {
	Mode                  ReconcileMode `yaml:"mode" env:"MODE"`
	Interval              time.Duration `yaml:"interval" env:"INTERVAL"`
	MinAge                time.Duration `yaml:"minAge" env:"MIN_AGE"`
	CompletionProbability float64       `yaml:"completionProbability" env:"COMPLETION_PROBABILITY"`
}

// EventbusConfig sets in-memory notification bus sizing.
type EventbusConfig struct {
	BufferSize      int           `yaml:"bufferSize" env:"BUFFER_SIZE"`
	FanoutWorkers   WorkerSetting `yaml:"fanoutWorkers" env:"FANOUT_WORKERS"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout" env:"DELIVERY_TIMEOUT"`
}

// RiskConfig defines optional per-principal pre-trade limits. Zero disables a limit.
type RiskConfig struct {
	MaxQuantity   int     `yaml:"maxQuantity" env:"MAX_QUANTITY"`
	MaxNotional   string  `yaml:"maxNotional" env:"MAX_NOTIONAL"`
	OrderThrottle float64 `yaml:"orderThrottle" env:"ORDER_THROTTLE"`
	OrderBurst    int     `yaml:"orderBurst" env:"ORDER_BURST"`
}

// MaxNotionalValue parses MaxNotional; empty means unlimited.
func (c RiskConfig) MaxNotionalValue() (decimal.Decimal, error) {
	if strings.TrimSpace(c.MaxNotional) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(c.MaxNotional))
	if err != nil {
		return decimal.Zero, fmt.Errorf("maxNotional: %w", err)
	}
	return d, nil
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend" env:"BACKEND"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn" env:"DSN"`
	MaxConns          int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns          int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" env:"HEALTH_CHECK_PERIOD"`
	RunMigrations     bool          `yaml:"runMigrations" env:"RUN_MIGRATIONS"`
	MigrationsPath    string        `yaml:"migrationsPath" env:"MIGRATIONS_PATH"`
}

// KafkaConfig enables mirroring notifications to Kafka.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName" env:"SERVICE_NAME"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	EnableMetrics bool   `yaml:"enableMetrics" env:"ENABLE_METRICS"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// AppConfig is the unified copydesk configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment       `yaml:"environment" env:"ENVIRONMENT"`
	APIServer   APIServerConfig   `yaml:"apiServer" envPrefix:"API_"`
	Broker      BrokerConfig      `yaml:"broker" envPrefix:"BROKER_"`
	Replication ReplicationConfig `yaml:"replication" envPrefix:"REPLICATION_"`
	Reconcile   ReconcileConfig   `yaml:"reconcile" envPrefix:"RECONCILE_"`
	Eventbus    EventbusConfig    `yaml:"eventbus" envPrefix:"EVENTBUS_"`
	Risk        RiskConfig        `yaml:"risk" envPrefix:"RISK_"`
	Storage     StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Database    DatabaseConfig    `yaml:"database" envPrefix:"DATABASE_"`
	Kafka       KafkaConfig       `yaml:"kafka" envPrefix:"KAFKA_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOG_"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8880", AllowedOrigins: []string{"*"}},
		Broker: BrokerConfig{
			BaseURL:           "https://api.upstox.com/v2",
			PlaceBaseURL:      "https://api-hft.upstox.com/v3",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             10,
		},
		Replication: ReplicationConfig{FanoutWorkers: Workers(4), FanoutQueue: 64, TagPrefix: "copy_trading"},
		Reconcile: ReconcileConfig{
			Mode:                  ReconcileSimulated,
			Interval:              10 * time.Second,
			MinAge:                time.Second,
			CompletionProbability: 0.3,
		},
		Eventbus:  EventbusConfig{BufferSize: 256, FanoutWorkers: Workers(4), DeliveryTimeout: 2 * time.Second},
		Storage:   StorageConfig{Backend: StorageMemory},
		Kafka:     KafkaConfig{Topic: "copydesk.order-notifications"},
		Telemetry: TelemetryConfig{ServiceName: "copydesk", EnableMetrics: false},
		Logging:   LoggingConfig{Level: "info"},
	}
	cfg.Database.applyDefaults()
	return cfg
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/copydesk"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be between 0 and maxConns")
	}
	if c.MaxConnLifetime <= 0 || c.MaxConnIdleTime <= 0 || c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("connection lifetimes must be >0")
	}
	return nil
}

// Load reads, overrides from the environment, normalises and validates the YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to DefaultAppConfig when the file does not
// exist. The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finish(DefaultAppConfig())
	return cfg, false, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := ApplyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from COPYDESK_-prefixed environment variables.
func ApplyEnv(cfg *AppConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	origins := c.APIServer.AllowedOrigins[:0]
	for _, o := range c.APIServer.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.APIServer.AllowedOrigins = origins
	c.Broker.BaseURL = strings.TrimRight(strings.TrimSpace(c.Broker.BaseURL), "/")
	c.Broker.PlaceBaseURL = strings.TrimRight(strings.TrimSpace(c.Broker.PlaceBaseURL), "/")
	if c.Broker.Burst <= 0 {
		c.Broker.Burst = 1
	}
	c.Replication.TagPrefix = strings.TrimSpace(c.Replication.TagPrefix)
	c.Reconcile.Mode = ReconcileMode(strings.ToLower(strings.TrimSpace(string(c.Reconcile.Mode))))
	c.Storage.Backend = StorageBackend(strings.ToLower(strings.TrimSpace(string(c.Storage.Backend))))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.Risk.OrderThrottle > 0 && c.Risk.OrderBurst <= 0 {
		c.Risk.OrderBurst = 1
	}
	c.Kafka.Topic = strings.TrimSpace(c.Kafka.Topic)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Broker.BaseURL == "" || c.Broker.PlaceBaseURL == "" {
		return fmt.Errorf("broker baseURL and placeBaseURL required")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker timeout must be >0")
	}
	if c.Broker.RequestsPerSecond < 0 {
		return fmt.Errorf("broker requestsPerSecond must be >=0")
	}
	if c.Replication.FanoutQueue < 0 {
		return fmt.Errorf("replication fanoutQueue must be >=0")
	}
	switch c.Reconcile.Mode {
	case ReconcileSimulated, ReconcileUpstream:
	default:
		return fmt.Errorf("reconcile mode must be simulated or upstream")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be >0")
	}
	if c.Reconcile.CompletionProbability < 0 || c.Reconcile.CompletionProbability > 1 {
		return fmt.Errorf("reconcile completionProbability must be within [0,1]")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.DeliveryTimeout <= 0 {
		return fmt.Errorf("eventbus deliveryTimeout must be >0")
	}
	if c.Risk.MaxQuantity < 0 || c.Risk.OrderThrottle < 0 {
		return fmt.Errorf("risk limits must be >=0")
	}
	if notional, err := c.Risk.MaxNotionalValue(); err != nil {
		return fmt.Errorf("risk %w", err)
	} else if notional.IsNegative() {
		return fmt.Errorf("risk maxNotional must be >=0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("storage backend must be memory or postgres")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required when kafka is enabled")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
