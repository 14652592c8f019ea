package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/usage-ledger/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourceConfig locates the usage export. File wins over URL.
type SourceConfig struct {
	Tag         string            `yaml:"tag" mapstructure:"tag"`
	URL         string            `yaml:"url" mapstructure:"url"`
	File        string            `yaml:"file" mapstructure:"file"`
	TimeoutSecs int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string            `yaml:"user_agent" mapstructure:"user_agent"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
}

// IngestConfig configures record identity.
type IngestConfig struct {
	LogicVersion int `yaml:"logic_version" mapstructure:"logic_version"`
}

// BlobConfig configures raw capture storage.
type BlobConfig struct {
	Cadence    string `yaml:"cadence" mapstructure:"cadence"`
	EveryNRuns int    `yaml:"every_n_runs" mapstructure:"every_n_runs"`
	Retention  int    `yaml:"retention" mapstructure:"retention"`
}

// QueueConfig configures bounded retries and the in-process scheduler.
type QueueConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures ingestion health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory for config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, eris.Wrap(err, "config: config file")
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("source.tag", "usage-export")
	v.SetDefault("source.url", "")
	v.SetDefault("source.file", "")
	v.SetDefault("source.timeout_secs", 60)
	v.SetDefault("source.user_agent", "usage-ledger/1.0")
	v.SetDefault("ingest.logic_version", 1)
	v.SetDefault("blob.cadence", "weekly")
	v.SetDefault("blob.every_n_runs", 0)
	v.SetDefault("blob.retention", 20)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.initial_backoff_ms", 1000)
	v.SetDefault("queue.max_backoff_ms", 30000)
	v.SetDefault("queue.poll_interval_secs", 3600)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "usage-ledger")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stale_after_hours", 26)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command mode needs. Modes:
// "ingest", "serve", "worker" (all need a source) and "store" (migrate,
// status, trim).
func (c *Config) Validate(mode string) error {
	var problems []string
	needSource := false
	switch mode {
	case "ingest", "worker":
		needSource = true
	case "serve":
		needSource = true
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "store":
	default:
		return resilience.E(resilience.KindValidation, "config: validate", eris.Errorf("unknown mode %q", mode))
	}

	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite, got "+quote(c.Store.Driver))
	}
	switch c.Blob.Cadence {
	case "daily", "weekly", "monthly", "never":
	default:
		problems = append(problems, "blob.cadence must be daily, weekly, monthly or never, got "+quote(c.Blob.Cadence))
	}
	if c.Blob.Retention < 0 {
		problems = append(problems, "blob.retention must be >= 0")
	}
	if c.Blob.EveryNRuns < 0 {
		problems = append(problems, "blob.every_n_runs must be >= 0")
	}
	if c.Ingest.LogicVersion < 1 {
		problems = append(problems, "ingest.logic_version must be >= 1")
	}
	if needSource && c.Source.URL == "" && c.Source.File == "" {
		problems = append(problems, "source.url or source.file is required")
	}
	if len(problems) == 0 {
		return nil
	}
	return resilience.E(resilience.KindValidation, "config: validate", eris.New(strings.Join(problems, "; ")))
}

func quote(s string) string {
	return `"` + s + `"`
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger.With(zap.String("service", "usage-ledger")))

	return nil
}
