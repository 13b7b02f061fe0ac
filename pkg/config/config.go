// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay configuration from flags, environment
// variables and an optional config file, all through viper.
//
// Every key can be set from the environment with the MCP_RELAY_ prefix;
// dots and dashes become underscores, so storage.redis.key-prefix is read
// from MCP_RELAY_STORAGE_REDIS_KEY_PREFIX. The listen port also honours
// the conventional PORT variable.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/mcp-relay/pkg/telemetry"
	"github.com/stacklok/mcp-relay/pkg/transport/session"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MCP_RELAY"

// Config keys.
const (
	KeyHost              = "host"
	KeyPort              = "port"
	KeyConnectTimeout    = "connect-timeout"
	KeySendTimeout       = "send-timeout"
	KeyKeepAliveInterval = "keepalive-interval"
	KeySessionTTL        = "session-ttl"
	KeyOutboundBuffer    = "outbound-buffer"
	KeyMaxMessageBytes   = "max-message-bytes"
	KeyAllowedOrigins    = "allowed-origins"
	KeyMetricsEnabled    = "metrics-enabled"
	KeyInstanceID        = "instance-id"

	KeyStorageType       = "storage.type"
	KeyRedisAddrs        = "storage.redis.addrs"
	KeyRedisMasterName   = "storage.redis.master-name"
	KeyRedisUsername     = "storage.redis.username"
	KeyRedisPassword     = "storage.redis.password"
	KeyRedisDB           = "storage.redis.db"
	KeyRedisKeyPrefix    = "storage.redis.key-prefix"
	KeyOTELEndpoint      = "otel.endpoint"
	KeyOTELServiceName   = "otel.service-name"
	KeyOTELInsecure      = "otel.insecure"
	KeyOTELSamplingRate  = "otel.sampling-rate"
	KeyOTELAttributes    = "otel.attributes"
	keyOTELServiceEnvVar = "OTEL_SERVICE_NAME"
)

// Defaults.
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 3000
	DefaultSendTimeout       = 30 * time.Second
	DefaultMaxMessageBytes   = 4 << 20
	DefaultOTELSamplingRate  = 0.05
	DefaultOTELServiceName   = "mcp-relay"
	maxPort                  = 65535
	sessionTTLFloor          = time.Second
	defaultKeepAliveInterval = session.DefaultKeepAliveInterval
)

// Config is the full relay configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	SendTimeout    time.Duration `mapstructure:"send-timeout"`
	// KeepAliveInterval of zero disables keep-alive comments.
	KeepAliveInterval time.Duration `mapstructure:"keepalive-interval"`
	// SessionTTL of zero disables idle-session reaping.
	SessionTTL      time.Duration `mapstructure:"session-ttl"`
	OutboundBuffer  int           `mapstructure:"outbound-buffer"`
	MaxMessageBytes int64         `mapstructure:"max-message-bytes"`

	AllowedOrigins []string `mapstructure:"allowed-origins"`
	MetricsEnabled bool     `mapstructure:"metrics-enabled"`
	InstanceID     string   `mapstructure:"instance-id"`

	Storage StorageConfig `mapstructure:"storage"`
	OTEL    OTELConfig    `mapstructure:"otel"`
}

// StorageConfig selects where session records are kept.
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the Redis or Valkey connection settings.
type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master-name"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	KeyPrefix  string   `mapstructure:"key-prefix"`
}

// OTELConfig holds the tracing settings.
type OTELConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	ServiceName  string  `mapstructure:"service-name"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling-rate"`
	// Attributes is a comma separated list of key=value resource attributes.
	Attributes string `mapstructure:"attributes"`
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyConnectTimeout, upstream.DefaultConnectTimeout)
	v.SetDefault(KeySendTimeout, DefaultSendTimeout)
	v.SetDefault(KeyKeepAliveInterval, defaultKeepAliveInterval)
	v.SetDefault(KeySessionTTL, session.DefaultSessionTTL)
	v.SetDefault(KeyOutboundBuffer, session.DefaultOutboundBuffer)
	v.SetDefault(KeyMaxMessageBytes, DefaultMaxMessageBytes)
	v.SetDefault(KeyAllowedOrigins, []string{})
	v.SetDefault(KeyMetricsEnabled, true)
	v.SetDefault(KeyInstanceID, "")

	v.SetDefault(KeyStorageType, session.StorageTypeLocal)
	v.SetDefault(KeyRedisAddrs, []string{})
	v.SetDefault(KeyRedisMasterName, "")
	v.SetDefault(KeyRedisUsername, "")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyRedisKeyPrefix, session.DefaultKeyPrefix)

	v.SetDefault(KeyOTELEndpoint, "")
	v.SetDefault(KeyOTELServiceName, DefaultOTELServiceName)
	v.SetDefault(KeyOTELInsecure, false)
	v.SetDefault(KeyOTELSamplingRate, DefaultOTELSamplingRate)
	v.SetDefault(KeyOTELAttributes, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicit bindings take precedence over AutomaticEnv; the first
	// variable that is set wins.
	_ = v.BindEnv(KeyPort, EnvPrefix+"_PORT", "PORT")
	_ = v.BindEnv(KeyOTELServiceName, EnvPrefix+"_OTEL_SERVICE_NAME", keyOTELServiceEnvVar)
}

// ReadFile merges the config file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// LoadFromViper decodes and validates the configuration held by v.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.Storage.Redis.Addrs = splitList(cfg.Storage.Redis.Addrs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load builds a fresh viper with defaults and environment bindings, reads
// the optional config file and returns the decoded configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return LoadFromViper(v)
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > maxPort {
		errs = append(errs, fmt.Errorf("port must be between 0 and %d, got %d", maxPort, c.Port))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect-timeout must be positive"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("send-timeout must be positive"))
	}
	if c.KeepAliveInterval < 0 {
		errs = append(errs, errors.New("keepalive-interval must not be negative"))
	}
	if c.SessionTTL < 0 {
		errs = append(errs, errors.New("session-ttl must not be negative"))
	} else if c.SessionTTL > 0 && c.SessionTTL < sessionTTLFloor {
		errs = append(errs, fmt.Errorf("session-ttl must be 0 or at least %s", sessionTTLFloor))
	}
	if c.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("outbound-buffer must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max-message-bytes must be positive"))
	}

	switch c.Storage.Type {
	case "", session.StorageTypeLocal:
	case session.StorageTypeRedis, session.StorageTypeValkey:
		if len(c.Storage.Redis.Addrs) == 0 {
			errs = append(errs, fmt.Errorf("storage.redis.addrs is required for %s storage", c.Storage.Type))
		}
		if c.Storage.Redis.DB < 0 {
			errs = append(errs, errors.New("storage.redis.db must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage type: %s", c.Storage.Type))
	}

	if c.OTEL.SamplingRate < 0 || c.OTEL.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("otel.sampling-rate must be between 0 and 1, got %v", c.OTEL.SamplingRate))
	}
	if c.OTEL.Endpoint != "" &&
		(strings.HasPrefix(c.OTEL.Endpoint, "http://") || strings.HasPrefix(c.OTEL.Endpoint, "https://")) {
		errs = append(errs, errors.New("otel.endpoint should not start with http:// or https://"))
	}
	if _, err := telemetry.ParseCustomAttributes(c.OTEL.Attributes); err != nil {
		errs = append(errs, fmt.Errorf("invalid otel.attributes: %w", err))
	}

	return errors.Join(errs...)
}

// SessionStorage returns the session storage settings. Records kept in
// Redis expire with the session TTL so a crashed instance leaves nothing
// behind.
func (c *Config) SessionStorage() session.StorageConfig {
	sc := session.StorageConfig{StorageType: c.Storage.Type}
	if c.Storage.Type == session.StorageTypeRedis || c.Storage.Type == session.StorageTypeValkey {
		sc.Redis = &session.RedisConfig{
			Addrs:      c.Storage.Redis.Addrs,
			MasterName: c.Storage.Redis.MasterName,
			Username:   c.Storage.Redis.Username,
			Password:   c.Storage.Redis.Password,
			DB:         c.Storage.Redis.DB,
			KeyPrefix:  c.Storage.Redis.KeyPrefix,
			RecordTTL:  c.SessionTTL,
		}
	}
	return sc
}

// Telemetry returns the tracing settings. Validate has already checked the
// attribute list.
func (c *Config) Telemetry() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Endpoint = c.OTEL.Endpoint
	if c.OTEL.ServiceName != "" {
		tc.ServiceName = c.OTEL.ServiceName
	}
	tc.Insecure = c.OTEL.Insecure
	tc.SamplingRate = c.OTEL.SamplingRate
	if attrs, err := telemetry.ParseCustomAttributes(c.OTEL.Attributes); err == nil {
		tc.CustomAttributes = attrs
	}
	return tc
}

// Address is the host:port the relay listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// splitList flattens comma separated entries and drops blanks, so a list
// given as one environment variable and a list from a YAML file decode
// the same way.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
