// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/mcp-relay/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces relay records in a shared Redis.
const DefaultKeyPrefix = "mcp-relay:"

const scanBatch = 100

// DefaultConnectAttempts is how many pings NewRedisStorage tries before
// giving up.
const DefaultConnectAttempts = 3

const connectRetryInterval = 200 * time.Millisecond

// RedisConfig holds Redis/Valkey connection configuration.
type RedisConfig struct {
	// Addrs is one address for a standalone server, or the Sentinel
	// addresses when MasterName is set.
	Addrs      []string
	MasterName string
	DB         int
	Username   string
	Password   string

	// KeyPrefix for multi-tenancy. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// RecordTTL is the expiry placed on every key. Zero keeps keys until deleted.
	RecordTTL time.Duration

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectAttempts bounds the startup ping. Defaults to DefaultConnectAttempts.
	ConnectAttempts int
}

// RedisStorage implements Storage on Redis or Valkey. Records are JSON
// strings under "<prefix>session:<id>".
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("invalid redis configuration: at least one address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := pingWithRetry(ctx, client, cfg.ConnectAttempts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix, cfg.RecordTTL), nil
}

// pingWithRetry pings the server until it answers or attempts run out. A
// relay and its Redis are often started together, so the first ping may
// land before the server is ready.
func pingWithRetry(ctx context.Context, client redis.UniversalClient, attempts int) error {
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = connectRetryInterval
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is positive
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Redis not reachable yet, retrying in %v: %v", d, err)
		}),
	)
	return err
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStorage) key(id string) string {
	return s.keyPrefix + "session:" + id
}

// Store implements Storage.
func (s *RedisStorage) Store(ctx context.Context, rec Record) error {
	data, err := serializeRecord(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.ID), data, s.ttl).Err()
}

// Load implements Storage.
func (s *RedisStorage) Load(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("cannot load session with empty ID")
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrSessionNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load session record: %w", err)
	}
	return deserializeRecord(data)
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete session with empty ID")
	}
	return s.client.Del(ctx, s.key(id)).Err()
}

// DeleteExpired implements Storage. Keys normally expire on their own; this
// catches records written without a TTL.
func (s *RedisStorage) DeleteExpired(ctx context.Context, before time.Time) error {
	recs, err := s.List(ctx)
	if err != nil {
		return err
	}
	var stale []string
	for _, rec := range recs {
		if rec.UpdatedAt.Before(before) {
			stale = append(stale, s.key(rec.ID))
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.client.Del(ctx, stale...).Err()
}

// List implements Storage. Keys that vanish between SCAN and MGET, or that
// hold unreadable data, are skipped.
func (s *RedisStorage) List(ctx context.Context) ([]Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"session:*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan session records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session records: %w", err)
	}

	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := deserializeRecord([]byte(str))
		if err != nil {
			logger.Warnw("skipping unreadable session record", "key", keys[i], "error", err)
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
