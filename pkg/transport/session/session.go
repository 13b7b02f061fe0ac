// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session holds the browser-facing half of a relay conversation and
// the registry that maps session identifiers to live sessions.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-relay/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
)

// SessionType names the downstream transport of a session.
//
//revive:disable-next-line:exported
type SessionType string

// SessionTypeSSE is a browser connected over Server-Sent Events.
const SessionTypeSSE SessionType = "sse"

const (
	// DefaultOutboundBuffer is how many upstream messages may wait for the browser
	// before the forwarding loop blocks.
	DefaultOutboundBuffer = 100

	// DefaultKeepAliveInterval is how often an idle stream gets a comment line.
	DefaultKeepAliveInterval = 30 * time.Second
)

// Sender is the outbound half of an upstream connector.
type Sender interface {
	Send(ctx context.Context, msg types.Message) error
}

// Option configures an SSESession.
type Option func(*SSESession)

// WithOutboundBuffer sets the capacity of the outbound queue.
func WithOutboundBuffer(n int) Option {
	return func(s *SSESession) {
		if n > 0 {
			s.outbound = make(chan types.Message, n)
		}
	}
}

// WithKeepAliveInterval sets the keep-alive period. Zero disables keep-alives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *SSESession) {
		s.keepAlive = d
	}
}

// WithClock replaces time.Now for the session's timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SSESession) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMessageEndpoint sets the path advertised in the endpoint event.
func WithMessageEndpoint(path string) Option {
	return func(s *SSESession) {
		if path != "" {
			s.messagePath = path
		}
	}
}

// SSESession is one browser connection. Upstream messages are queued with
// Enqueue and written to the browser by StreamTo; browser posts reach the
// paired upstream through AcceptInbound.
type SSESession struct {
	id          string
	target      string
	created     time.Time
	updated     atomic.Int64
	now         func() time.Time
	keepAlive   time.Duration
	messagePath string

	state    atomic.Int32
	outbound chan types.Message

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	upstream Sender
}

// NewSSESession creates a session for a browser that asked to reach target.
// The identifier is a random UUID, generated here and never by the caller.
func NewSSESession(target string, opts ...Option) *SSESession {
	s := &SSESession{
		id:          uuid.NewString(),
		target:      target,
		now:         time.Now,
		keepAlive:   DefaultKeepAliveInterval,
		messagePath: ssecommon.HTTPMessagesEndpoint,
		outbound:    make(chan types.Message, DefaultOutboundBuffer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.created = s.now()
	s.updated.Store(s.created.UnixNano())
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session ID.
func (s *SSESession) ID() string { return s.id }

// Type returns the session type.
func (*SSESession) Type() SessionType { return SessionTypeSSE }

// Target returns the upstream URL the browser asked for.
func (s *SSESession) Target() string { return s.target }

// CreatedAt returns the creation time of the session.
func (s *SSESession) CreatedAt() time.Time { return s.created }

// UpdatedAt returns the time of the last message in either direction.
func (s *SSESession) UpdatedAt() time.Time {
	return time.Unix(0, s.updated.Load())
}

// Touch marks the session as active now.
func (s *SSESession) Touch() {
	s.updated.Store(s.now().UnixNano())
}

// State returns the lifecycle state.
func (s *SSESession) State() State {
	return State(s.state.Load())
}

// Done is closed once the session is closed.
func (s *SSESession) Done() <-chan struct{} { return s.done }

// QueueDepth reports how many upstream messages are waiting for the browser.
func (s *SSESession) QueueDepth() int { return len(s.outbound) }

// Attach pairs the session with its upstream. The session stays Connecting
// until Open is called. It fails if the session is already closing.
func (s *SSESession) Attach(up Sender) error {
	if s.State() != StateConnecting {
		return fmt.Errorf("cannot attach upstream to %s session: %w", s.State(), ErrSessionDisconnected)
	}
	s.mu.Lock()
	s.upstream = up
	s.mu.Unlock()
	return nil
}

// Open moves an attached session from Connecting to Open. It is called once
// the session is registered, and fails if the session closed in between.
func (s *SSESession) Open() error {
	s.mu.RLock()
	attached := s.upstream != nil
	s.mu.RUnlock()
	if !attached {
		return ErrNotConnected
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("cannot open %s session: %w", s.State(), ErrSessionDisconnected)
	}
	return nil
}

// BeginClose moves the session to Closing. Only the first caller gets true.
func (s *SSESession) BeginClose() bool {
	for {
		cur := State(s.state.Load())
		if cur == StateClosing || cur == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
			return true
		}
	}
}

// Close ends the outbound stream, passing through Closing. Calling it more
// than once is a no-op.
func (s *SSESession) Close() {
	s.closeOnce.Do(func() {
		s.BeginClose()
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

// Enqueue hands an upstream message to the browser stream. It blocks while
// the queue is full, which is how browser backpressure reaches upstream.
func (s *SSESession) Enqueue(ctx context.Context, msg types.Message) error {
	select {
	case <-s.done:
		return ErrSessionDisconnected
	default:
	}

	select {
	case s.outbound <- msg:
		s.Touch()
		return nil
	case <-s.done:
		return ErrSessionDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcceptInbound forwards a message posted by the browser to the upstream.
// A failed send is returned to the caller and leaves the session open.
func (s *SSESession) AcceptInbound(ctx context.Context, msg types.Message) error {
	select {
	case <-s.done:
		return ErrSessionDisconnected
	default:
	}

	s.mu.RLock()
	up := s.upstream
	s.mu.RUnlock()
	if up == nil {
		return ErrNotConnected
	}

	s.Touch()
	return up.Send(ctx, msg)
}

// EndpointURL is the relative post URL announced to the browser.
func (s *SSESession) EndpointURL() string {
	return fmt.Sprintf("%s?%s=%s", s.messagePath, ssecommon.SessionIDParam, url.QueryEscape(s.id))
}

// StreamTo writes the endpoint event and then every queued message to w until
// the session closes, ctx is cancelled (the browser went away) or a write
// fails. Leaving because of the browser closes the session. Messages already
// queued when the session closes are still delivered.
func (s *SSESession) StreamTo(ctx context.Context, w io.Writer, flusher http.Flusher) error {
	if _, err := io.WriteString(w, ssecommon.NewSSEMessage(ssecommon.EventEndpoint, s.EndpointURL()).ToSSEString()); err != nil {
		s.Close()
		return fmt.Errorf("failed to write endpoint event: %w", err)
	}
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-s.done:
			return s.drain(w, flusher)
		case msg := <-s.outbound:
			if err := writeMessage(w, msg); err != nil {
				s.Close()
				return err
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := io.WriteString(w, ssecommon.KeepAliveComment); err != nil {
				s.Close()
				return fmt.Errorf("failed to write keep-alive: %w", err)
			}
			flusher.Flush()
		}
	}
}

func (s *SSESession) drain(w io.Writer, flusher http.Flusher) error {
	defer flusher.Flush()
	for {
		select {
		case msg := <-s.outbound:
			if err := writeMessage(w, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func writeMessage(w io.Writer, msg types.Message) error {
	if _, err := io.WriteString(w, ssecommon.NewSSEMessage(ssecommon.EventMessage, string(msg)).ToSSEString()); err != nil {
		return fmt.Errorf("failed to write message event: %w", err)
	}
	return nil
}

// Record returns the serializable view of the session.
func (s *SSESession) Record() Record {
	target := s.target
	if u, err := url.Parse(target); err == nil {
		target = u.Redacted()
	}
	return Record{
		ID:        s.id,
		Type:      s.Type(),
		Target:    target,
		State:     s.State().String(),
		CreatedAt: s.created,
		UpdatedAt: s.UpdatedAt(),
	}
}
