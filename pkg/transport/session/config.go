// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
)

// Storage backend names.
const (
	StorageTypeLocal  = "local"
	StorageTypeRedis  = "redis"
	StorageTypeValkey = "valkey"
)

// StorageConfig selects the record backend.
type StorageConfig struct {
	// StorageType is "local" (default), "redis" or "valkey".
	StorageType string
	// Redis is required for the redis and valkey types.
	Redis *RedisConfig
}

// CreateStorage builds the configured backend.
func (c StorageConfig) CreateStorage(ctx context.Context) (Storage, error) {
	switch c.StorageType {
	case "", StorageTypeLocal:
		return NewLocalStorage(), nil
	case StorageTypeRedis, StorageTypeValkey:
		if c.Redis == nil {
			return nil, errors.New("redis configuration required")
		}
		return NewRedisStorage(ctx, *c.Redis)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", c.StorageType)
	}
}
