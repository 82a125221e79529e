// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// SystemToken authenticates privileged callers. Empty disables the
	// system identity entirely.
	SystemToken string

	// DefaultScope is the scope active at startup and the fallback for
	// requests that don't name one.
	DefaultScope string

	// Providers is the static provider list, entries "id=address" or
	// "id=name=address". Ignored when Docker discovery is enabled.
	Providers []string

	// DiscoverProviders switches provider enumeration to labeled containers.
	DiscoverProviders bool

	ProviderNetwork  string
	ProviderSubnet   string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	ConnectTimeout   time.Duration

	WatchLogQueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("WATCH_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/inputbroker.db"),
		SystemToken:       getEnv("SYSTEM_TOKEN", ""),
		DefaultScope:      getEnv("DEFAULT_SCOPE", "scope-0"),
		Providers:         splitList(getEnv("PROVIDERS", "")),
		DiscoverProviders: getEnvBool("DISCOVER_PROVIDERS", false),
		ProviderNetwork:   getEnv("PROVIDER_NETWORK", "inputbroker-providers"),
		ProviderSubnet:    getEnv("PROVIDER_SUBNET", "172.29.0.0/16"),
		ContainerRuntime:  getEnv("CONTAINER_RUNTIME", ""),
		ConnectTimeout:    getEnvDuration("PROVIDER_CONNECT_TIMEOUT", 10*time.Second),
		WatchLogQueueSize: queueSize,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DefaultScope == "" {
		return fmt.Errorf("DEFAULT_SCOPE cannot be empty")
	}
	if c.ProviderNetwork == "" {
		return fmt.Errorf("PROVIDER_NETWORK cannot be empty")
	}
	if c.WatchLogQueueSize <= 0 {
		return fmt.Errorf("WATCH_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
