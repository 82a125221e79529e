package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DefaultScope != "scope-0" {
		t.Errorf("DefaultScope = %q, want scope-0", cfg.DefaultScope)
	}
	if cfg.WatchLogQueueSize != 1000 {
		t.Errorf("WatchLogQueueSize = %d, want 1000", cfg.WatchLogQueueSize)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.ConnectTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PROVIDERS", "hdmi-1=HDMI 1=backend:50051, tuner-1=tunerimg ")
	t.Setenv("DISCOVER_PROVIDERS", "yes")
	t.Setenv("PROVIDER_CONNECT_TIMEOUT", "3s")
	t.Setenv("WATCH_LOG_QUEUE_SIZE", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0] != "hdmi-1=HDMI 1=backend:50051" || cfg.Providers[1] != "tuner-1=tunerimg" {
		t.Errorf("Providers = %v", cfg.Providers)
	}
	if !cfg.DiscoverProviders {
		t.Error("DiscoverProviders should be true")
	}
	if cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", cfg.ConnectTimeout)
	}
	if cfg.WatchLogQueueSize != 50 {
		t.Errorf("WatchLogQueueSize = %d, want 50", cfg.WatchLogQueueSize)
	}
}

func TestValidateRejectsEmptyScope(t *testing.T) {
	cfg := &Config{Port: "8080", DBPath: "x.db", ProviderNetwork: "net", WatchLogQueueSize: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DEFAULT_SCOPE")
	}
}
