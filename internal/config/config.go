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
	Port           string
	FrontendURL    string
	CORSOrigins    []string
	GRPCHealthPort string // empty disables the gRPC health service

	Store  string // "sqlite" or "memory"
	DBPath string

	EscalationTimeout time.Duration
	RulesPath         string // empty uses the built-in rules

	IdleCloseTTL  time.Duration // 0 disables idle closing
	SweepInterval time.Duration

	DetailCacheSize int

	Events EventsConfig
}

// EventsConfig selects the session event bus.
type EventsConfig struct {
	Backend   string // "memory" or "redis"
	RedisAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		GRPCHealthPort:    getEnv("GRPC_HEALTH_PORT", ""),
		Store:             getEnv("STORE", "sqlite"),
		DBPath:            getEnv("DB_PATH", "./data/handoff.db"),
		EscalationTimeout: getEnvDuration("ESCALATION_TIMEOUT", 5*time.Minute),
		RulesPath:         getEnv("RULES_PATH", ""),
		IdleCloseTTL:      getEnvDuration("IDLE_CLOSE_TTL", 0),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),
		DetailCacheSize:   getEnvInt("DETAIL_CACHE_SIZE", 256),
		Events: EventsConfig{
			Backend:   getEnv("EVENTS_BACKEND", "memory"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
	}
	if len(cfg.CORSOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.CORSOrigins = []string{cfg.FrontendURL}
	}
	if len(cfg.CORSOrigins) == 0 && cfg.IsDevelopment() {
		cfg.CORSOrigins = []string{"*"}
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
	switch c.Store {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE must be sqlite or memory, got %q", c.Store)
	}
	if c.EscalationTimeout <= 0 {
		return fmt.Errorf("ESCALATION_TIMEOUT must be > 0")
	}
	if c.IdleCloseTTL < 0 {
		return fmt.Errorf("IDLE_CLOSE_TTL must be >= 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.DetailCacheSize < 0 {
		return fmt.Errorf("DETAIL_CACHE_SIZE must be >= 0")
	}
	switch c.Events.Backend {
	case "memory":
	case "redis":
		if c.Events.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty with EVENTS_BACKEND=redis")
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be memory or redis, got %q", c.Events.Backend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
