package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, StorageMemory, cfg.Storage.Backend)
	require.Equal(t, 10*time.Second, cfg.Reconcile.Interval)
	require.Equal(t, 4, cfg.Replication.FanoutWorkers.Resolve(1))
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
apiServer:
  addr: ":9999"
  allowedOrigins: ["http://localhost:3000", " "]
broker:
  baseURL: http://broker.test/v2/
  placeBaseURL: http://broker.test/v3
  timeout: 5s
replication:
  fanoutWorkers: auto
  fanoutQueue: 8
  tagPrefix: mirror
reconcile:
  mode: Upstream
  interval: 3s
eventbus:
  bufferSize: 16
  fanoutWorkers: 2
risk:
  maxQuantity: 100
  maxNotional: "250000.50"
  orderThrottle: 2
storage:
  backend: postgres
database:
  dsn: postgres://u:p@db:5432/copydesk
kafka:
  enabled: true
  brokers: [kafka:9092]
logging:
  level: DEBUG
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.APIServer.AllowedOrigins)
	require.Equal(t, "http://broker.test/v2", cfg.Broker.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Broker.Timeout)
	require.Equal(t, runtime.NumCPU(), cfg.Replication.FanoutWorkers.Resolve(1))
	require.Equal(t, ReconcileUpstream, cfg.Reconcile.Mode)
	require.Equal(t, 2, cfg.Eventbus.FanoutWorkers.Resolve(9))
	require.Equal(t, 1, cfg.Risk.OrderBurst)
	notional, err := cfg.Risk.MaxNotionalValue()
	require.NoError(t, err)
	require.Equal(t, "250000.5", notional.String())
	require.Equal(t, StoragePostgres, cfg.Storage.Backend)
	require.EqualValues(t, 16, cfg.Database.MaxConns)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "copydesk.order-notifications", cfg.Kafka.Topic)
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
environment: dev
broker:
  timeout: 5s
`)
	t.Setenv("COPYDESK_BROKER_TIMEOUT", "7s")
	t.Setenv("COPYDESK_REPLICATION_FANOUT_WORKERS", "6")
	t.Setenv("COPYDESK_KAFKA_ENABLED", "true")
	t.Setenv("COPYDESK_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("COPYDESK_STORAGE_BACKEND", "POSTGRES")

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, cfg.Broker.Timeout)
	require.Equal(t, 6, cfg.Replication.FanoutWorkers.Resolve(1))
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, StoragePostgres, cfg.Storage.Backend)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"environment": func(c *AppConfig) { c.Environment = "qa" },
		"mode":        func(c *AppConfig) { c.Reconcile.Mode = "poll" },
		"probability": func(c *AppConfig) { c.Reconcile.CompletionProbability = 1.5 },
		"backend":     func(c *AppConfig) { c.Storage.Backend = "redis" },
		"kafka":       func(c *AppConfig) { c.Kafka.Enabled = true },
		"notional":    func(c *AppConfig) { c.Risk.MaxNotional = "-1" },
		"log level":   func(c *AppConfig) { c.Logging.Level = "trace" },
		"broker":      func(c *AppConfig) { c.Broker.Timeout = 0 },
		"buffer":      func(c *AppConfig) { c.Eventbus.BufferSize = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultAppConfig()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
	require.NoError(t, DefaultAppConfig().Validate())
}

func TestWorkerSettingRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
replication:
  fanoutWorkers: many
`)
	_, err := Load(context.Background(), path)
	require.Error(t, err)

	var w WorkerSetting
	require.Error(t, w.UnmarshalText([]byte("0")))
	require.NoError(t, w.UnmarshalText([]byte("default")))
	require.Equal(t, 3, w.Resolve(3))
}
