package config

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/collector")
	t.Setenv("DB_DRIVER", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.DBDriver != "sqlite" || cfg.LogLevel != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
	if want := filepath.Join("/var/lib/collector", "market_config.json"); cfg.MarketConfigFile != want {
		t.Errorf("MarketConfigFile = %q, want %q", cfg.MarketConfigFile, want)
	}
	if want := filepath.Join("/var/lib/collector", "collection_history.db"); cfg.HistoryDBPath != want {
		t.Errorf("HistoryDBPath = %q, want %q", cfg.HistoryDBPath, want)
	}
	if AppConfig != cfg {
		t.Error("AppConfig not set")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("MARKET_CONFIG_FILE", "/etc/markets.json")
	t.Setenv("MARKET_DATA_TIMEOUT", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.DBDriver != "postgres" || cfg.MarketConfigFile != "/etc/markets.json" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if got := cfg.MarketDataTimeoutDuration().Seconds(); got != 5 {
		t.Errorf("timeout = %vs", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite ok", Config{DBDriver: "sqlite", LogLevel: "info"}, false},
		{"unknown driver", Config{DBDriver: "oracle", LogLevel: "info"}, true},
		{"bad level", Config{DBDriver: "sqlite", LogLevel: "loud"}, true},
		{"production without secret", Config{DBDriver: "postgres", LogLevel: "warn", Environment: "production"}, true},
		{"production with secret", Config{DBDriver: "postgres", LogLevel: "warn", Environment: "production", JWTSecret: "s"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskHost(t *testing.T) {
	if got := maskHost("db"); got != "***" {
		t.Errorf("maskHost(db) = %q", got)
	}
	if got := maskHost("localhost"); got != "loc***" {
		t.Errorf("maskHost(localhost) = %q", got)
	}
}
