// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcp-relay/pkg/config"
	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/metrics"
	"github.com/stacklok/mcp-relay/pkg/telemetry"
	"github.com/stacklok/mcp-relay/pkg/transport/proxy/httpsse"
	"github.com/stacklok/mcp-relay/pkg/transport/session"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream"
	"github.com/stacklok/mcp-relay/pkg/versions"
)

const (
	// gracefulShutdownTimeout bounds draining live sessions on exit.
	gracefulShutdownTimeout = 30 * time.Second
	telemetryFlushTimeout   = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server. Clients open GET /sse?url=<upstream> to establish a
session and POST JSON-RPC messages to the endpoint advertised in the first event.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.GetViper()
			config.SetDefaults(v)
			if err := config.ReadFile(v, v.GetString("config")); err != nil {
				return err
			}
			cfg, err := config.LoadFromViper(v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, cfg, nil)
		},
	}

	flags := cmd.Flags()
	flags.String(config.KeyHost, config.DefaultHost, "Host address to bind the server to")
	flags.Int(config.KeyPort, config.DefaultPort, "Port to listen on (also read from PORT)")
	flags.Duration(config.KeyConnectTimeout, upstream.DefaultConnectTimeout, "Timeout for connecting to an upstream server")
	flags.Duration(config.KeySendTimeout, config.DefaultSendTimeout, "Timeout for forwarding one posted message upstream")
	flags.Duration(config.KeyKeepAliveInterval, session.DefaultKeepAliveInterval,
		"Interval between keep-alive comments on client streams (0 disables)")
	flags.Duration(config.KeySessionTTL, session.DefaultSessionTTL, "Idle time after which a session is closed (0 disables)")
	flags.Int(config.KeyOutboundBuffer, session.DefaultOutboundBuffer, "Messages queued per session before upstream reads block")
	flags.Int64(config.KeyMaxMessageBytes, config.DefaultMaxMessageBytes, "Largest accepted posted message in bytes")
	flags.StringSlice(config.KeyAllowedOrigins, nil, "Origins allowed by CORS (default: any)")
	flags.Bool(config.KeyMetricsEnabled, true, "Serve Prometheus metrics at /metrics")
	flags.String(config.KeyInstanceID, "", "Identifier stamped on stored session records (default: hostname)")
	flags.String("storage-type", session.StorageTypeLocal, "Session record storage: local, redis or valkey")
	flags.StringSlice("redis-addrs", nil, "Redis or Valkey addresses; Sentinel addresses when --redis-master-name is set")
	flags.String("redis-master-name", "", "Sentinel master name")
	flags.Int("redis-db", 0, "Redis database number")
	flags.String("redis-key-prefix", session.DefaultKeyPrefix, "Prefix for stored session keys")
	flags.String("otel-endpoint", "", "OTLP/HTTP endpoint (host:port) for traces; tracing is off when empty")
	flags.Bool("otel-insecure", false, "Export traces over plain HTTP")
	flags.Float64("otel-sampling-rate", config.DefaultOTELSamplingRate, "Trace sampling rate between 0 and 1")
	flags.String("otel-attributes", "", "Comma separated key=value resource attributes")

	bindFlags(flags, map[string]string{
		config.KeyHost:              config.KeyHost,
		config.KeyPort:              config.KeyPort,
		config.KeyConnectTimeout:    config.KeyConnectTimeout,
		config.KeySendTimeout:       config.KeySendTimeout,
		config.KeyKeepAliveInterval: config.KeyKeepAliveInterval,
		config.KeySessionTTL:        config.KeySessionTTL,
		config.KeyOutboundBuffer:    config.KeyOutboundBuffer,
		config.KeyMaxMessageBytes:   config.KeyMaxMessageBytes,
		config.KeyAllowedOrigins:    config.KeyAllowedOrigins,
		config.KeyMetricsEnabled:    config.KeyMetricsEnabled,
		config.KeyInstanceID:        config.KeyInstanceID,
		"storage-type":              config.KeyStorageType,
		"redis-addrs":               config.KeyRedisAddrs,
		"redis-master-name":         config.KeyRedisMasterName,
		"redis-db":                  config.KeyRedisDB,
		"redis-key-prefix":          config.KeyRedisKeyPrefix,
		"otel-endpoint":             config.KeyOTELEndpoint,
		"otel-insecure":             config.KeyOTELInsecure,
		"otel-sampling-rate":        config.KeyOTELSamplingRate,
		"otel-attributes":           config.KeyOTELAttributes,
	})

	return cmd
}

// bindFlags binds each flag to its viper key.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}
}

// runRelay serves until ctx is cancelled or the listener fails. ready, when
// non-nil, receives the bound address once the relay is accepting connections.
func runRelay(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	storage, err := cfg.SessionStorage().CreateStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session storage: %w", err)
	}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry())
	if err != nil {
		_ = storage.Close()
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryFlushTimeout)
		defer cancel()
		if err := provider.Shutdown(flushCtx); err != nil {
			logger.Warnf("Failed to shut down telemetry: %v", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}

	manager := session.NewManager(cfg.SessionTTL,
		session.WithStorage(storage),
		session.WithInstanceID(instanceID),
	)

	keepAlive := cfg.KeepAliveInterval
	if keepAlive == 0 {
		keepAlive = -1
	}

	proxy := httpsse.NewHTTPSSEProxy(httpsse.Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ConnectTimeout:    cfg.ConnectTimeout,
		SendTimeout:       cfg.SendTimeout,
		KeepAliveInterval: keepAlive,
		OutboundBuffer:    cfg.OutboundBuffer,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionManager:    manager,
		Metrics:           m,
		Tracer:            provider.Tracer(),
	})

	logger.Infow("starting mcp-relay",
		"version", versions.GetVersionInfo().Version,
		"address", cfg.Address(),
		"storage", cfg.Storage.Type,
		"instance", instanceID,
		"session_ttl", cfg.SessionTTL,
	)
	if err := proxy.Start(ctx); err != nil {
		manager.Stop()
		return fmt.Errorf("failed to start relay: %w", err)
	}
	if ready != nil {
		ready <- proxy.Addr()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(proxy.Wait)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down mcp-relay")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
		defer cancel()
		if err := proxy.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to stop relay: %w", err)
		}
		return nil
	})
	return g.Wait()
}
