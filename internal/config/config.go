// Package config is the connector's central configuration struct-of-structs,
// with DefaultConfig/LoadFromFile/LoadFromEnv constructors. Config is YAML
// rather than JSON since the control plane's own connector configs ship
// as YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectorConfig holds the identity and top-level timing options under
// "connector.*".
type ConnectorConfig struct {
	NamePrefix           string               `yaml:"namePrefix"`
	AddMachineNameSuffix bool                 `yaml:"addMachineNameSuffix"`
	DataSetID            int64                `yaml:"dataSetId"`
	StatusInterval       time.Duration        `yaml:"statusInterval"`
	ModelLibrary         ModelLibraryConfig   `yaml:"modelLibrary"`
	RoutineLibrary       RoutineLibraryConfig `yaml:"routineLibrary"`
	Scheduler            SchedulerConfig      `yaml:"scheduler"`
	Runner               RunnerConfig         `yaml:"runner"`
}

// ModelLibraryConfig holds `connector.modelLibrary.*`.
type ModelLibraryConfig struct {
	FilesDirectory        string        `yaml:"filesDirectory"`
	LibraryUpdateInterval time.Duration `yaml:"libraryUpdateInterval"`
	PersistInterval       time.Duration `yaml:"persistInterval"`
}

// RoutineLibraryConfig holds `connector.routineLibrary.*`.
type RoutineLibraryConfig struct {
	LibraryUpdateInterval time.Duration `yaml:"libraryUpdateInterval"`
	PaginationLimit       int           `yaml:"paginationLimit"`
}

// SchedulerConfig holds `connector.scheduler.*`.
type SchedulerConfig struct {
	UpdateInterval time.Duration `yaml:"updateInterval"`
}

// RunnerConfig holds the runner's own tunables: worker concurrency cap,
// poll interval, claim batch size, and per-run timeout.
type RunnerConfig struct {
	Workers           int           `yaml:"workers"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	ClaimLimit        int           `yaml:"claimLimit"`
	RunTimeout        time.Duration `yaml:"runTimeout"`
	PushNotifications bool          `yaml:"pushNotifications"`
}

// AutomationConfig is passed opaquely to the simulator driver: simulator-
// specific settings (e.g. a COM program id) the core never interprets.
type AutomationConfig map[string]string

// ControlPlaneConfig holds the connection details for the remote control
// plane, overridable by COGNITE_HOST/COGNITE_PROJECT.
type ControlPlaneConfig struct {
	Host     string        `yaml:"host"`
	Project  string        `yaml:"project"`
	ClientID string        `yaml:"clientId"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RemoteLoggerConfig holds the remote log sink options. They are read
// from `observability.logging.remote.*`; there is no top-level `logger`
// key, so a `logger.remote.*` block in the YAML file is ignored.
type RemoteLoggerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// PostgresConfig holds the optional local log mirror's connection string.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// RedisConfig holds the optional L2 cache tier's connection details.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// ObservabilityConfig splits tracing, metrics, and logging settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"serviceName"`
	SampleRate  float64 `yaml:"sampleRate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string             `yaml:"level"`
	Format string             `yaml:"format"`
	Remote RemoteLoggerConfig `yaml:"remote"`
}

// StateStoreConfig holds the embedded bbolt store's path.
type StateStoreConfig struct {
	Path string `yaml:"path"`
}

// FileFetcherConfig holds download-size thresholds for ./files/ writes.
type FileFetcherConfig struct {
	MaxFileDownloadSize int64 `yaml:"maxFileDownloadSize"`
	LargeFileSize       int64 `yaml:"largeFileSize"`
}

// RuntimeConfig holds ConnectorRuntime's own supervision tunables: how
// long to wait before restarting a failed supervised group, and how
// long to wait for in-flight work to drain before giving up on a clean
// stop.
type RuntimeConfig struct {
	RestartDelay time.Duration `yaml:"restartDelay"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

// Config is the connector's root configuration object.
type Config struct {
	Simulator     string              `yaml:"simulator"`
	Connector     ConnectorConfig     `yaml:"connector"`
	Automation    AutomationConfig    `yaml:"automation"`
	ControlPlane  ControlPlaneConfig  `yaml:"controlPlane"`
	StateStore    StateStoreConfig    `yaml:"stateStore"`
	FileFetcher   FileFetcherConfig   `yaml:"fileFetcher"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Observability ObservabilityConfig `yaml:"observability"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring the
// teacher's DefaultConfig shape.
func DefaultConfig() *Config {
	return &Config{
		Connector: ConnectorConfig{
			NamePrefix:           "connector",
			AddMachineNameSuffix: true,
			StatusInterval:       30 * time.Second,
			ModelLibrary: ModelLibraryConfig{
				FilesDirectory:        "./files",
				LibraryUpdateInterval: time.Minute,
				PersistInterval:       10 * time.Second,
			},
			RoutineLibrary: RoutineLibraryConfig{
				LibraryUpdateInterval: time.Minute,
				PaginationLimit:       100,
			},
			Scheduler: SchedulerConfig{
				UpdateInterval: 30 * time.Second,
			},
			Runner: RunnerConfig{
				Workers:           8,
				PollInterval:      2 * time.Second,
				ClaimLimit:        16,
				RunTimeout:        10 * time.Minute,
				PushNotifications: true,
			},
		},
		ControlPlane: ControlPlaneConfig{
			Host:    "https://api.cognitedata.com",
			Timeout: 30 * time.Second,
		},
		StateStore: StateStoreConfig{
			Path: "./connector-state.db",
		},
		FileFetcher: FileFetcherConfig{
			MaxFileDownloadSize: 500 << 20, // 500MB
			LargeFileSize:       50 << 20,  // 50MB
		},
		Postgres: PostgresConfig{
			Enabled: false,
		},
		Redis: RedisConfig{
			Enabled:   false,
			KeyPrefix: "connector:cache:",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "simulator-connector",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "simulator_connector",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
				Remote: RemoteLoggerConfig{
					Enabled: true,
					Level:   "info",
				},
			},
		},
		Runtime: RuntimeConfig{
			RestartDelay: 10 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applying it on top
// of DefaultConfig so an operator's file only needs to name the fields it
// overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides on top of cfg:
// COGNITE_HOST / COGNITE_PROJECT for the control plane endpoint, plus
// CONNECTOR_*-prefixed overrides for the rest.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("COGNITE_HOST"); v != "" {
		cfg.ControlPlane.Host = v
	}
	if v := os.Getenv("COGNITE_PROJECT"); v != "" {
		cfg.ControlPlane.Project = v
	}
	if v := os.Getenv("COGNITE_CLIENT_ID"); v != "" {
		cfg.ControlPlane.ClientID = v
	}
	if v := os.Getenv("COGNITE_API_KEY"); v != "" {
		cfg.ControlPlane.APIKey = v
	}
	if v := os.Getenv("CONNECTOR_SIMULATOR"); v != "" {
		cfg.Simulator = v
	}
	if v := os.Getenv("CONNECTOR_NAME_PREFIX"); v != "" {
		cfg.Connector.NamePrefix = v
	}
	if v := os.Getenv("CONNECTOR_DATA_SET_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Connector.DataSetID = n
		}
	}
	if v := os.Getenv("CONNECTOR_STATE_STORE_PATH"); v != "" {
		cfg.StateStore.Path = v
	}
	if v := os.Getenv("CONNECTOR_FILES_DIRECTORY"); v != "" {
		cfg.Connector.ModelLibrary.FilesDirectory = v
	}
	if v := os.Getenv("CONNECTOR_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("CONNECTOR_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("CONNECTOR_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("CONNECTOR_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("CONNECTOR_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("CONNECTOR_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("CONNECTOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("CONNECTOR_RUNNER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Connector.Runner.Workers = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
