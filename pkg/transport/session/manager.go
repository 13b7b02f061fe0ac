// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
)

// DefaultSessionTTL is how long a session may stay idle before it is reaped.
const DefaultSessionTTL = 2 * time.Hour

// storageTimeout bounds each call into the record backend.
const storageTimeout = 3 * time.Second

// Session is a registered relay session.
type Session interface {
	ID() string
	Type() SessionType
	CreatedAt() time.Time
	UpdatedAt() time.Time
	Touch()
	Record() Record
	AcceptInbound(ctx context.Context, msg types.Message) error
	Close()
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStorage replaces the default local record storage. The manager takes
// ownership and closes it on Stop.
func WithStorage(s Storage) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.storage = s
		}
	}
}

// WithManagerClock replaces time.Now for expiry decisions.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithInstanceID labels every stored record with the relay instance that owns it.
func WithInstanceID(id string) ManagerOption {
	return func(m *Manager) {
		m.instance = id
	}
}

// Manager is the registry of live sessions. Live sessions are held in
// memory; a record of each is mirrored into Storage. Idle sessions are
// closed once their TTL elapses, which ends their relay.
type Manager struct {
	sessions map[string]Session
	mu       sync.RWMutex

	ttl      time.Duration
	now      func() time.Time
	storage  Storage
	instance string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager with TTL and starts the cleanup worker.
// A zero TTL disables idle expiry.
func NewManager(ttl time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
		storage:  NewLocalStorage(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if ttl > 0 {
		go m.cleanupRoutine()
	}
	return m
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupExpiredOnce()
		case <-m.stopCh:
			return
		}
	}
}

// AddSession registers s. Returns an error if its ID is empty or taken.
func (m *Manager) AddSession(s Session) error {
	if s == nil || s.ID() == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session ID %q: %w", s.ID(), ErrSessionAlreadyExists)
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.refreshRecord(s)
	return nil
}

// Get retrieves a session by ID. Returns (session, true) if found,
// and also updates its UpdatedAt timestamp.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// Delete removes a session by ID and reports whether it was registered.
// Deleting an unknown ID is a no-op.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.deleteRecord(id)
	}
	return ok
}

// Refresh rewrites the stored record of s, for example after a state change.
// It does nothing if s is not registered.
func (m *Manager) Refresh(s Session) {
	m.mu.RLock()
	_, ok := m.sessions[s.ID()]
	m.mu.RUnlock()
	if ok {
		m.refreshRecord(s)
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Range calls f for each live session until f returns false. It iterates a
// snapshot, so f may add or delete sessions.
func (m *Manager) Range(f func(Session) bool) {
	for _, s := range m.snapshot() {
		if !f(s) {
			return
		}
	}
}

// Records lists stored session records, including those owned by other
// instances when the storage is shared.
func (m *Manager) Records(ctx context.Context) ([]Record, error) {
	return m.storage.List(ctx)
}

// CloseAll closes every live session. Their relays remove them as they end.
func (m *Manager) CloseAll() {
	m.Range(func(s Session) bool {
		s.Close()
		return true
	})
}

// Ping reports whether the record storage is reachable. In-process storage
// is always reachable.
func (m *Manager) Ping(ctx context.Context) error {
	p, ok := m.storage.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	return p.Ping(ctx)
}

// Stop stops the cleanup worker and closes the storage. It is safe to call
// more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if err := m.storage.Close(); err != nil {
			logger.Warnw("failed to close session storage", "error", err)
		}
	})
}

// cleanupExpiredOnce closes sessions idle for longer than the TTL and
// refreshes the records of the rest.
func (m *Manager) cleanupExpiredOnce() {
	if m.ttl <= 0 {
		return
	}
	cutoff := m.now().Add(-m.ttl)

	var expired, live []Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.UpdatedAt().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
			continue
		}
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range expired {
		logger.Infow("closing idle session", "session_id", s.ID(), "idle_since", s.UpdatedAt())
		s.Close()
		m.deleteRecord(s.ID())
	}
	for _, s := range live {
		m.refreshRecord(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.storage.DeleteExpired(ctx, cutoff); err != nil {
		logger.Warnw("failed to delete expired session records", "error", err)
	}
}

func (m *Manager) snapshot() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Record storage is advisory: the in-memory map is authoritative, so backend
// failures are logged rather than returned.
func (m *Manager) storeRecord(s Session) {
	rec := s.Record()
	rec.Instance = m.instance

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.storage.Store(ctx, rec); err != nil {
		logger.Warnw("failed to store session record", "session_id", rec.ID, "error", err)
	}
}

// refreshRecord stores the record of s, then removes it again if s was
// deleted meanwhile so a concurrent Delete cannot leave it behind.
func (m *Manager) refreshRecord(s Session) {
	m.storeRecord(s)

	m.mu.RLock()
	_, ok := m.sessions[s.ID()]
	m.mu.RUnlock()
	if !ok {
		m.deleteRecord(s.ID())
	}
}

func (m *Manager) deleteRecord(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.storage.Delete(ctx, id); err != nil {
		logger.Warnw("failed to delete session record", "session_id", id, "error", err)
	}
}
