package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMemoryDefaults(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("BOOKING_TIMEZONE", "Africa/Douala")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "8083", cfg.Port)
	require.Equal(t, "memory", cfg.Storage)
	require.Equal(t, "Africa/Douala", cfg.Location.String())
	require.Equal(t, 72*time.Hour, cfg.EscrowHold)
	require.Equal(t, 100, cfg.EscrowBatchSize)
	require.Equal(t, 60, cfg.RateLimitPerMinute)
	require.True(t, cfg.RateLimitFailOpen)
	require.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without url", env: map[string]string{"STORAGE": "postgres", "JWT_SECRET": "s"}},
		{name: "unknown storage", env: map[string]string{"STORAGE": "sqlite", "JWT_SECRET": "s"}},
		{name: "missing jwt secret", env: map[string]string{"STORAGE": "memory"}},
		{name: "bad timezone", env: map[string]string{"STORAGE": "memory", "JWT_SECRET": "s", "BOOKING_TIMEZONE": "Mars/Olympus"}},
		{name: "bad hold period", env: map[string]string{"STORAGE": "memory", "JWT_SECRET": "s", "ESCROW_HOLD_PERIOD": "soon"}},
		{name: "bad port", env: map[string]string{"STORAGE": "memory", "JWT_SECRET": "s", "PORT": "70000"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, key := range []string{"STORAGE", "JWT_SECRET", "DATABASE_URL", "BOOKING_TIMEZONE", "ESCROW_HOLD_PERIOD", "PORT"} {
				t.Setenv(key, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig()
			require.Error(t, err)
		})
	}
}
