package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{name: "all flags", args: []string{
			"-a", "127.0.0.1:8081", "-g", "127.0.0.1:9090", "-d", "db", "-s", "secret", "-S", "refresh",
			"-t", "15", "-r", "60", "-k", "10", "-l", "debug", "-e", "production", "-R", "redis:6379", "-n", "nats://n:4222",
		},
			expected: &Config{
				EndpointAddrHTTP:             "127.0.0.1:8081",
				EndpointAddrGRPC:             "127.0.0.1:9090",
				DatabaseDSN:                  "db",
				AccessTokenSecret:            "secret",
				RefreshTokenSecret:           "refresh",
				AccessTokenValidityDuration:  15 * time.Minute,
				RefreshTokenValidityDuration: 60 * time.Minute,
				BcryptCost:                   10,
				LogLevel:                     "debug",
				Environment:                  "production",
				RedisAddr:                    "redis:6379",
				NATSURL:                      "nats://n:4222",
			}},
		{name: "foreign flags ignored", args: []string{"-x", "1", "-a", ":1"},
			expected: &Config{EndpointAddrHTTP: ":1"}},
		{name: "bad number", args: []string{"-t", "soon"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{}

			if !tt.expectPanic {
				require.NotPanics(t, func() { parseFlags(config, tt.args) })
				assert.Empty(t, cmp.Diff(config, tt.expected))
			} else {
				require.Panics(t, func() { parseFlags(config, tt.args) })
			}
		})
	}
}

func TestParseFlags_KeepsSubMinuteDurations(t *testing.T) {
	config := &Config{AccessTokenValidityDuration: 30 * time.Second}

	parseFlags(config, []string{"-a", ":1"})

	assert.Equal(t, 30*time.Second, config.AccessTokenValidityDuration)
}
