// Package config loads service configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	APIKeys map[string]string `mapstructure:"-"`

	ReminderIntervalSeconds    int `mapstructure:"REMINDER_INTERVAL_SECONDS"`
	MissedIntervalSeconds      int `mapstructure:"MISSED_INTERVAL_SECONDS"`
	ArchiveIntervalSeconds     int `mapstructure:"ARCHIVE_INTERVAL_SECONDS"`
	MaterializeIntervalSeconds int `mapstructure:"MATERIALIZE_INTERVAL_SECONDS"`
	TickTimeoutSeconds         int `mapstructure:"TICK_TIMEOUT_SECONDS"`
	TickLimit                  int `mapstructure:"TICK_LIMIT"`

	LookAheadMinutes       int `mapstructure:"LOOKAHEAD_MINUTES"`
	ReminderToleranceMins  int `mapstructure:"REMINDER_TOLERANCE_MINUTES"`
	ReminderBucketMins     int `mapstructure:"REMINDER_BUCKET_MINUTES"`

	DefaultTimezone string `mapstructure:"DEFAULT_TIMEZONE"`

	BackupDir      string `mapstructure:"BACKUP_DIR"`
	BackupS3Bucket string `mapstructure:"BACKUP_S3_BUCKET"`
	BackupS3Prefix string `mapstructure:"BACKUP_S3_PREFIX"`

	OTLPEndpoint string  `mapstructure:"OTLP_ENDPOINT"`
	SampleRate   float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	MetricsPort  string  `mapstructure:"METRICS_PORT"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is read when present but is never required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "medsync-mirror-sync")
	v.SetDefault("REMINDER_INTERVAL_SECONDS", 300)
	v.SetDefault("MISSED_INTERVAL_SECONDS", 900)
	v.SetDefault("ARCHIVE_INTERVAL_SECONDS", 900)
	v.SetDefault("MATERIALIZE_INTERVAL_SECONDS", 21600)
	v.SetDefault("TICK_TIMEOUT_SECONDS", 300)
	v.SetDefault("TICK_LIMIT", 500)
	v.SetDefault("LOOKAHEAD_MINUTES", 60)
	v.SetDefault("REMINDER_TOLERANCE_MINUTES", 2)
	v.SetDefault("REMINDER_BUCKET_MINUTES", 5)
	v.SetDefault("DEFAULT_TIMEZONE", "UTC")
	v.SetDefault("BACKUP_DIR", "backups")
	v.SetDefault("BACKUP_S3_PREFIX", "orphan-cleanup")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("METRICS_PORT", "9090")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"KAFKA_BROKERS", "CONSUMER_GROUP",
		"REMINDER_INTERVAL_SECONDS", "MISSED_INTERVAL_SECONDS",
		"ARCHIVE_INTERVAL_SECONDS", "MATERIALIZE_INTERVAL_SECONDS",
		"TICK_TIMEOUT_SECONDS", "TICK_LIMIT",
		"LOOKAHEAD_MINUTES", "REMINDER_TOLERANCE_MINUTES", "REMINDER_BUCKET_MINUTES",
		"DEFAULT_TIMEZONE", "BACKUP_DIR", "BACKUP_S3_BUCKET", "BACKUP_S3_PREFIX",
		"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "METRICS_PORT",
	} {
		v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}

	// API_KEYS is a comma-separated list of name:key pairs.
	cfg.APIKeys = map[string]string{}
	if raw := v.GetString("API_KEYS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			name, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if ok && name != "" && key != "" {
				cfg.APIKeys[key] = name
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ReminderToleranceMins*2 >= cfg.ReminderBucketMins {
		return nil, fmt.Errorf("REMINDER_TOLERANCE_MINUTES (%d) must be less than half of REMINDER_BUCKET_MINUTES (%d)",
			cfg.ReminderToleranceMins, cfg.ReminderBucketMins)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ReminderInterval returns the reminder scheduler tick interval.
func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.ReminderIntervalSeconds) * time.Second
}

// MissedInterval returns the missed-dose detector tick interval.
func (c *Config) MissedInterval() time.Duration {
	return time.Duration(c.MissedIntervalSeconds) * time.Second
}

// ArchiveInterval returns the daily archiver tick interval.
func (c *Config) ArchiveInterval() time.Duration {
	return time.Duration(c.ArchiveIntervalSeconds) * time.Second
}

// MaterializeInterval returns the horizon refresh tick interval.
func (c *Config) MaterializeInterval() time.Duration {
	return time.Duration(c.MaterializeIntervalSeconds) * time.Second
}

// TickTimeout returns the per-tick execution budget.
func (c *Config) TickTimeout() time.Duration {
	return time.Duration(c.TickTimeoutSeconds) * time.Second
}

// LookAhead returns the reminder scheduler query window.
func (c *Config) LookAhead() time.Duration {
	return time.Duration(c.LookAheadMinutes) * time.Minute
}
