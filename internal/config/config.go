// Package config loads application settings, the per-territory YAML bundle,
// the scoring profiles, and the external column contract.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
	"github.com/crown-postcodes/harvest-cli/internal/resilience"
)

// Config holds process-level application configuration. Territory behavior
// lives in the YAML bundle, not here.
type Config struct {
	Store StoreConfig `yaml:"store" mapstructure:"store"`
	HTTP  HTTPConfig  `yaml:"http" mapstructure:"http"`
	Log   LogConfig   `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run-ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// HTTPConfig tunes the outbound provider client.
type HTTPConfig struct {
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	ConnectTimeoutSecs int     `yaml:"connect_timeout_secs" mapstructure:"connect_timeout_secs"`
	ReadTimeoutSecs    int     `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	ArcGISRPS          float64 `yaml:"arcgis_rps" mapstructure:"arcgis_rps"`
	OverpassRPS        float64 `yaml:"overpass_rps" mapstructure:"overpass_rps"`
}

// ClientOptions converts the HTTP section into fetcher options.
func (h HTTPConfig) ClientOptions() fetcher.ClientOptions {
	retry := resilience.DefaultRetryConfig()
	if h.MaxAttempts > 0 {
		retry.MaxAttempts = h.MaxAttempts
	}
	return fetcher.ClientOptions{
		UserAgent: h.UserAgent,
		Timeouts: fetcher.Timeouts{
			Connect: time.Duration(h.ConnectTimeoutSecs) * time.Second,
			Read:    time.Duration(h.ReadTimeoutSecs) * time.Second,
		},
		Retry:       retry,
		ArcGISRPS:   h.ArcGISRPS,
		OverpassRPS: h.OverpassRPS,
	}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads application configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CROWNPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "./data/state/runs.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.connect_timeout_secs", 20)
	v.SetDefault("http.read_timeout_secs", 120)
	v.SetDefault("http.max_attempts", 5)
	v.SetDefault("http.arcgis_rps", 5.0)
	v.SetDefault("http.overpass_rps", 1.0)

	// The config file is optional; defaults plus env cover headless runs.
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
