// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"
)

// Record is the serializable view of a session kept in a Storage backend.
// Live streams never leave the process; a record only describes them.
type Record struct {
	ID        string      `json:"id"`
	Type      SessionType `json:"type"`
	Target    string      `json:"target"`
	State     string      `json:"state"`
	Instance  string      `json:"instance,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Storage keeps session records. Local storage serves a single process;
// Redis/Valkey lets several relay instances list each other's sessions.
type Storage interface {
	// Store creates or updates a record. An existing record is overwritten.
	Store(ctx context.Context, rec Record) error

	// Load retrieves a record by ID.
	// Returns ErrSessionNotFound if the record doesn't exist.
	Load(ctx context.Context, id string) (Record, error)

	// Delete removes a record. It is not an error if the record doesn't exist.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes all records that haven't been updated since before.
	DeleteExpired(ctx context.Context, before time.Time) error

	// List returns every stored record.
	List(ctx context.Context) ([]Record, error)

	// Close releases the backend.
	Close() error
}

// Pinger is implemented by storage backends that live out of process.
type Pinger interface {
	Ping(ctx context.Context) error
}
