// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LocalStorage implements the Storage interface using an in-memory sync.Map.
// This is the default storage backend for single-instance deployments.
type LocalStorage struct {
	records sync.Map
}

// NewLocalStorage creates a new local in-memory storage backend.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// Store saves a record to the local storage.
func (s *LocalStorage) Store(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}
	s.records.Store(rec.ID, rec)
	return nil
}

// Load retrieves a record from local storage.
func (s *LocalStorage) Load(_ context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("cannot load session with empty ID")
	}

	val, ok := s.records.Load(id)
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	rec, ok := val.(Record)
	if !ok {
		return Record{}, fmt.Errorf("invalid record type in storage")
	}
	return rec, nil
}

// Delete removes a record from local storage.
func (s *LocalStorage) Delete(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete session with empty ID")
	}
	s.records.Delete(id)
	return nil
}

// DeleteExpired removes all records that haven't been updated since the given time.
func (s *LocalStorage) DeleteExpired(ctx context.Context, before time.Time) error {
	var toDelete []string

	s.records.Range(func(key, val any) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if rec, ok := val.(Record); ok && rec.UpdatedAt.Before(before) {
			if id, ok := key.(string); ok {
				toDelete = append(toDelete, id)
			}
		}
		return true
	})

	for _, id := range toDelete {
		s.records.Delete(id)
	}
	return ctx.Err()
}

// List returns all records ordered by creation time.
func (s *LocalStorage) List(_ context.Context) ([]Record, error) {
	var out []Record
	s.records.Range(func(_, val any) bool {
		if rec, ok := val.(Record); ok {
			out = append(out, rec)
		}
		return true
	})
	sortRecords(out)
	return out, nil
}

// Close clears all records from local storage.
func (s *LocalStorage) Close() error {
	s.records.Clear()
	return nil
}

// Count returns the number of records in storage.
func (s *LocalStorage) Count() int {
	count := 0
	s.records.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
