package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is loaded once at
// startup and passed explicitly into the engine; nothing reads it as
// ambient global state, so tests can run multiple cutoffs side by side.
type Config struct {
	Recon   ReconConfig   `yaml:"recon" mapstructure:"recon"`
	Elastic ElasticConfig `yaml:"elastic" mapstructure:"elastic"`
	Rabbit  RabbitConfig  `yaml:"rabbit" mapstructure:"rabbit"`
	Emit    EmitConfig    `yaml:"emit" mapstructure:"emit"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ReconConfig holds the reconciliation policy knobs.
type ReconConfig struct {
	// IDKey is the document field used as the join key across sources.
	IDKey string `yaml:"id_key" mapstructure:"id_key"`

	// Cutoff is the disagreement threshold. Scores strictly greater than
	// the cutoff classify as mismatch; a score equal to the cutoff is a
	// match.
	Cutoff float64 `yaml:"cutoff" mapstructure:"cutoff"`

	// Target names the logical reconciliation target. Only one run per
	// target may be in flight at a time.
	Target string `yaml:"target" mapstructure:"target"`

	// WindowMinutes bounds which snapshots are considered current: records
	// modified within the last WindowMinutes before run start.
	WindowMinutes int `yaml:"window_minutes" mapstructure:"window_minutes"`
}

// ElasticConfig configures the index store holding the three source indices
// and the results index.
type ElasticConfig struct {
	Addresses []string `yaml:"addresses" mapstructure:"addresses"`
	Username  string   `yaml:"username" mapstructure:"username"`
	Password  string   `yaml:"password" mapstructure:"password"`

	FBIIndex     string `yaml:"fbi_index" mapstructure:"fbi_index"`
	STACIndex    string `yaml:"stac_index" mapstructure:"stac_index"`
	STOCKIndex   string `yaml:"stock_index" mapstructure:"stock_index"`
	ResultsIndex string `yaml:"results_index" mapstructure:"results_index"`

	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RabbitConfig holds broker connection parameters and the outbound exchange.
type RabbitConfig struct {
	Host          string `yaml:"host" mapstructure:"host"`
	Port          int    `yaml:"port" mapstructure:"port"`
	Vhost         string `yaml:"vhost" mapstructure:"vhost"`
	Username      string `yaml:"username" mapstructure:"username"`
	Password      string `yaml:"password" mapstructure:"password"`
	HeartbeatSecs int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`

	Exchange   string `yaml:"exchange" mapstructure:"exchange"`
	RoutingKey string `yaml:"routing_key" mapstructure:"routing_key"`

	PublishTimeoutSecs int `yaml:"publish_timeout_secs" mapstructure:"publish_timeout_secs"`
	PublishRatePerSec  int `yaml:"publish_rate_per_sec" mapstructure:"publish_rate_per_sec"`
}

// EmitConfig configures the result emitter.
type EmitConfig struct {
	// Concurrency bounds parallel per-item publishes.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`

	// IncludePartial publishes events for partial items in addition to
	// mismatches. Result documents are written for every classification
	// regardless.
	IncludePartial bool `yaml:"include_partial" mapstructure:"include_partial"`
}

// RetryConfig holds the retry policy applied to source fetches, publishes,
// and index writes.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig holds circuit breaker settings for broker publishes.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// StoreConfig configures the run-marker store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP trigger/status server.
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
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STOCKTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("recon.id_key", "item_id")
	v.SetDefault("recon.cutoff", 5)
	v.SetDefault("recon.target", "default")
	v.SetDefault("recon.window_minutes", 60)
	v.SetDefault("elastic.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elastic.fbi_index", "fbi-items")
	v.SetDefault("elastic.stac_index", "stac-items")
	v.SetDefault("elastic.stock_index", "stock-items")
	v.SetDefault("elastic.results_index", "stocktake-results")
	v.SetDefault("elastic.timeout_secs", 30)
	v.SetDefault("rabbit.host", "localhost")
	v.SetDefault("rabbit.port", 5672)
	v.SetDefault("rabbit.vhost", "/")
	v.SetDefault("rabbit.username", "guest")
	v.SetDefault("rabbit.password", "guest")
	v.SetDefault("rabbit.heartbeat_secs", 10)
	v.SetDefault("rabbit.exchange", "stocktake")
	v.SetDefault("rabbit.routing_key", "stocktake.discrepancy")
	v.SetDefault("rabbit.publish_timeout_secs", 10)
	v.SetDefault("rabbit.publish_rate_per_sec", 100)
	v.SetDefault("emit.concurrency", 8)
	v.SetDefault("emit.include_partial", false)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "stocktake.db")
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
	zap.ReplaceGlobals(logger)

	return nil
}
