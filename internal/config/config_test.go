package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("CHAT_STORE_TIMEOUT", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")

	cfg := Load()
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 15*time.Second, cfg.ChatStoreTimeout)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://chat@localhost/chat")
	t.Setenv("POSTGRES_MAX_CONNS", "4")
	t.Setenv("CHAT_STORE_TIMEOUT", "3s")
	t.Setenv("CHAT_SESSION_IDLE_TTL", "bogus")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://shop.example, ,https://admin.example")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, 4, cfg.PostgresMaxConns)
	assert.Equal(t, 3*time.Second, cfg.ChatStoreTimeout)
	assert.Equal(t, 30*time.Minute, cfg.ChatSessionIdleTTL, "unparsable values fall back")
	assert.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.TracingEnabled)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreBackend:         BackendMemory,
			NATSURL:              "nats://localhost:4222",
			NATSReplicas:         1,
			JWTSecret:            "secret",
			RateLimitRequests:    10,
			ChatStoreTimeout:     time.Second,
			SSEHeartbeatInterval: time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "memory", mutate: func(*Config) {}},
		{name: "nats", mutate: func(c *Config) { c.StoreBackend = BackendNATS }},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.StoreBackend = "redis" },
			wantErr: `unknown STORE_BACKEND "redis"`,
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.StoreBackend = BackendPostgres },
			wantErr: "POSTGRES_DSN is required",
		},
		{
			name:    "nats without replicas",
			mutate:  func(c *Config) { c.StoreBackend = BackendNATS; c.NATSReplicas = 0 },
			wantErr: "NATS_REPLICAS must be at least 1",
		},
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.JWTSecret = "" },
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "zero store timeout",
			mutate:  func(c *Config) { c.ChatStoreTimeout = 0 },
			wantErr: "CHAT_STORE_TIMEOUT must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
