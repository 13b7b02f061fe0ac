// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-relay/pkg/transport/session"
)

// clearPortEnv keeps an ambient PORT from leaking into tests.
func clearPortEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "")
	t.Setenv("MCP_RELAY_PORT", "")
}

func TestLoad_Defaults(t *testing.T) {
	clearPortEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, DefaultSendTimeout, cfg.SendTimeout)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, session.DefaultOutboundBuffer, cfg.OutboundBuffer)
	assert.Equal(t, int64(DefaultMaxMessageBytes), cfg.MaxMessageBytes)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, session.StorageTypeLocal, cfg.Storage.Type)
	assert.Equal(t, session.DefaultKeyPrefix, cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, DefaultOTELServiceName, cfg.OTEL.ServiceName)
	assert.InDelta(t, DefaultOTELSamplingRate, cfg.OTEL.SamplingRate, 1e-9)
	assert.Equal(t, "0.0.0.0:3000", cfg.Address())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearPortEnv(t)
	t.Setenv("MCP_RELAY_PORT", "9100")
	t.Setenv("MCP_RELAY_SESSION_TTL", "30m")
	t.Setenv("MCP_RELAY_KEEPALIVE_INTERVAL", "0s")
	t.Setenv("MCP_RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MCP_RELAY_METRICS_ENABLED", "false")
	t.Setenv("MCP_RELAY_STORAGE_TYPE", "valkey")
	t.Setenv("MCP_RELAY_STORAGE_REDIS_ADDRS", "10.0.0.1:6379,10.0.0.2:6379")
	t.Setenv("MCP_RELAY_STORAGE_REDIS_KEY_PREFIX", "tenant-a:")
	t.Setenv("MCP_RELAY_OTEL_SAMPLING_RATE", "0.5")
	t.Setenv("MCP_RELAY_OTEL_ATTRIBUTES", "region=eu-west-1,team=platform")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Zero(t, cfg.KeepAliveInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, session.StorageTypeValkey, cfg.Storage.Type)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Storage.Redis.Addrs)
	assert.Equal(t, "tenant-a:", cfg.Storage.Redis.KeyPrefix)
	assert.InDelta(t, 0.5, cfg.OTEL.SamplingRate, 1e-9)

	tc := cfg.Telemetry()
	assert.Equal(t, map[string]string{"region": "eu-west-1", "team": "platform"}, tc.CustomAttributes)
}

func TestLoad_PortFallsBackToPORT(t *testing.T) {
	clearPortEnv(t)
	t.Setenv("PORT", "8080")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)

	t.Setenv("MCP_RELAY_PORT", "8181")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Port, "prefixed variable wins")
}

func TestLoad_ConfigFile(t *testing.T) {
	clearPortEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
host: 127.0.0.1
port: 4000
send-timeout: 5s
allowed-origins:
  - https://app.example
storage:
  type: redis
  redis:
    addrs:
      - localhost:6379
    db: 2
otel:
  endpoint: collector:4318
  insecure: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4000", cfg.Address())
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, []string{"https://app.example"}, cfg.AllowedOrigins)

	sc := cfg.SessionStorage()
	assert.Equal(t, session.StorageTypeRedis, sc.StorageType)
	require.NotNil(t, sc.Redis)
	assert.Equal(t, []string{"localhost:6379"}, sc.Redis.Addrs)
	assert.Equal(t, 2, sc.Redis.DB)
	assert.Equal(t, cfg.SessionTTL, sc.Redis.RecordTTL)

	tc := cfg.Telemetry()
	assert.Equal(t, "collector:4318", tc.Endpoint)
	assert.True(t, tc.Insecure)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	clearPortEnv(t)
	t.Setenv("MCP_RELAY_HOST", "10.1.1.1")

	v := viper.New()
	SetDefaults(v)
	v.Set(KeyHost, "192.168.0.1")

	cfg, err := LoadFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", cfg.Host)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearPortEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Port:              3000,
			ConnectTimeout:    time.Second,
			SendTimeout:       time.Second,
			KeepAliveInterval: time.Second,
			SessionTTL:        time.Hour,
			OutboundBuffer:    10,
			MaxMessageBytes:   1024,
			Storage:           StorageConfig{Type: session.StorageTypeLocal},
			OTEL:              OTELConfig{SamplingRate: 0.1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero ttl disables reaping", mutate: func(c *Config) { c.SessionTTL = 0 }},
		{name: "zero keepalive disables comments", mutate: func(c *Config) { c.KeepAliveInterval = 0 }},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "port must be between"},
		{name: "negative ttl", mutate: func(c *Config) { c.SessionTTL = -time.Second }, wantErr: "session-ttl must not be negative"},
		{name: "tiny ttl", mutate: func(c *Config) { c.SessionTTL = time.Millisecond }, wantErr: "session-ttl must be 0 or at least"},
		{name: "zero connect timeout", mutate: func(c *Config) { c.ConnectTimeout = 0 }, wantErr: "connect-timeout"},
		{name: "zero send timeout", mutate: func(c *Config) { c.SendTimeout = 0 }, wantErr: "send-timeout"},
		{name: "zero buffer", mutate: func(c *Config) { c.OutboundBuffer = 0 }, wantErr: "outbound-buffer"},
		{name: "zero message cap", mutate: func(c *Config) { c.MaxMessageBytes = 0 }, wantErr: "max-message-bytes"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "etcd" }, wantErr: "unknown storage type: etcd"},
		{
			name:    "redis without addrs",
			mutate:  func(c *Config) { c.Storage.Type = session.StorageTypeRedis },
			wantErr: "storage.redis.addrs is required",
		},
		{name: "sampling rate", mutate: func(c *Config) { c.OTEL.SamplingRate = 1.5 }, wantErr: "sampling-rate"},
		{
			name:    "endpoint with scheme",
			mutate:  func(c *Config) { c.OTEL.Endpoint = "https://collector:4318" },
			wantErr: "should not start with",
		},
		{name: "bad attributes", mutate: func(c *Config) { c.OTEL.Attributes = "novalue" }, wantErr: "invalid otel.attributes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
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

func TestConfig_SessionStorageLocal(t *testing.T) {
	t.Parallel()

	cfg := &Config{Storage: StorageConfig{Type: session.StorageTypeLocal}}
	sc := cfg.SessionStorage()
	assert.Equal(t, session.StorageTypeLocal, sc.StorageType)
	assert.Nil(t, sc.Redis)
}
