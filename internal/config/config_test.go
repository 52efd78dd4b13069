package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/medsync")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "8080" || !cfg.IsDev() {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ReminderInterval() != 5*time.Minute {
		t.Errorf("reminder interval = %v", cfg.ReminderInterval())
	}
	if cfg.MissedInterval() != 15*time.Minute || cfg.ArchiveInterval() != 15*time.Minute {
		t.Errorf("intervals = %v / %v", cfg.MissedInterval(), cfg.ArchiveInterval())
	}
	if cfg.TickTimeout() != 5*time.Minute || cfg.TickLimit != 500 {
		t.Errorf("tick budget = %v / %d", cfg.TickTimeout(), cfg.TickLimit)
	}
	if cfg.LookAhead() != time.Hour {
		t.Errorf("lookahead = %v", cfg.LookAhead())
	}
	if cfg.DefaultTimezone != "UTC" {
		t.Errorf("timezone = %s", cfg.DefaultTimezone)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL to fail")
	}
}

func TestLoadSplitsBrokerList(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/medsync")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092,kafka-3:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.KafkaBrokers) != 3 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadParsesAPIKeys(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/medsync")
	t.Setenv("API_KEYS", "mobile-app:key-abc, legacy-portal:key-def")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("api keys = %v", cfg.APIKeys)
	}
	if cfg.APIKeys["key-abc"] != "mobile-app" || cfg.APIKeys["key-def"] != "legacy-portal" {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
}

// The dedup bucket only holds if the matching tolerance band fits
// inside one bucket, so incompatible values are a startup error.
func TestLoadRejectsWideTolerance(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/medsync")
	t.Setenv("REMINDER_TOLERANCE_MINUTES", "3")

	if _, err := Load(); err == nil {
		t.Fatal("expected tolerance wider than the bucket to fail")
	}
}
