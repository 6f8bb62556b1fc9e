package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "FRONTEND_URL", "CORS_ORIGINS", "STORE", "DB_PATH", "ESCALATION_TIMEOUT",
		"IDLE_CLOSE_TTL", "SWEEP_INTERVAL", "DETAIL_CACHE_SIZE", "EVENTS_BACKEND", "REDIS_ADDR", "RULES_PATH", "GRPC_HEALTH_PORT"} {
		t.Setenv(k, "")
	}
	// Empty values for these fail validation.
	t.Setenv("PORT", "8080")
	t.Setenv("STORE", "sqlite")
	t.Setenv("DB_PATH", "./data/handoff.db")
	t.Setenv("ESCALATION_TIMEOUT", "5m")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("EVENTS_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.EscalationTimeout)
	assert.Equal(t, time.Duration(0), cfg.IdleCloseTTL)
	assert.Equal(t, 256, cfg.DetailCacheSize)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("FRONTEND_URL", "https://desk.example.com")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("STORE", "memory")
	t.Setenv("ESCALATION_TIMEOUT", "90s")
	t.Setenv("IDLE_CLOSE_TTL", "24h")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("DETAIL_CACHE_SIZE", "0")
	t.Setenv("EVENTS_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 90*time.Second, cfg.EscalationTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdleCloseTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 0, cfg.DetailCacheSize)
	assert.Equal(t, "redis", cfg.Events.Backend)
	assert.Equal(t, "redis:6379", cfg.Events.RedisAddr)
}

func TestGetEnvHelpersFallBack(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	t.Setenv("X_INT", "many")
	assert.Equal(t, time.Second, getEnvDuration("X_DURATION", time.Second))
	assert.Equal(t, 7, getEnvInt("X_INT", 7))
	assert.Equal(t, "fallback", getEnv("X_MISSING_KEY", "fallback"))
	assert.Nil(t, getEnvList("X_MISSING_LIST"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port: "8080", Store: "sqlite", DBPath: "x.db",
			EscalationTimeout: time.Minute, SweepInterval: time.Minute,
			Events: EventsConfig{Backend: "memory"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(c *Config){
		"empty port":     func(c *Config) { c.Port = "" },
		"unknown store":  func(c *Config) { c.Store = "postgres" },
		"empty db path":  func(c *Config) { c.DBPath = "" },
		"zero timeout":   func(c *Config) { c.EscalationTimeout = 0 },
		"negative idle":  func(c *Config) { c.IdleCloseTTL = -time.Second },
		"zero sweep":     func(c *Config) { c.SweepInterval = 0 },
		"negative cache": func(c *Config) { c.DetailCacheSize = -1 },
		"unknown bus":    func(c *Config) { c.Events.Backend = "nats" },
		"redis no addr":  func(c *Config) { c.Events = EventsConfig{Backend: "redis"} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
