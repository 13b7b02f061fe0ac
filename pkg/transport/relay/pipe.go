// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay joins a browser session to its upstream connector and tears
// both down together when either side ends.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	relayerrors "github.com/stacklok/mcp-relay/pkg/errors"
	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/metrics"
	"github.com/stacklok/mcp-relay/pkg/telemetry"
	"github.com/stacklok/mcp-relay/pkg/transport/session"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream"
)

// EndReason says which side ended a relay.
type EndReason string

const (
	// EndSession covers browser disconnects, idle expiry and shutdown.
	EndSession EndReason = "session"
	// EndUpstream means the remote server closed the stream or failed.
	EndUpstream EndReason = "upstream"
	// EndRelay means the owner called Terminate directly.
	EndRelay EndReason = "relay"
)

// Registry is where open sessions are published.
type Registry interface {
	AddSession(s session.Session) error
	Refresh(s session.Session)
	Delete(id string) bool
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithMetrics records the relay in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipe) {
		p.metrics = m
	}
}

// WithTracer records one span per relay.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipe) {
		if t != nil {
			p.tracer = t
		}
	}
}

// Pipe is one running relay between a session and an upstream connector.
type Pipe struct {
	sess     *session.SSESession
	conn     upstream.Connector
	registry Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	log      *slog.Logger

	transport string
	started   time.Time
	span      trace.Span

	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	reason EndReason
	cause  error
}

// Start attaches conn to sess, publishes the session in reg, opens it and
// begins forwarding upstream messages. If the session cannot be opened, conn
// is closed and the error returned.
func Start(sess *session.SSESession, conn upstream.Connector, reg Registry, opts ...Option) (*Pipe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipe{
		sess:      sess,
		conn:      conn,
		registry:  reg,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		log:       logger.With("session_id", sess.ID()),
		transport: upstream.TransportName(conn.Target()),
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := sess.Attach(conn); err != nil {
		cancel()
		_ = conn.Close()
		return nil, err
	}
	if err := reg.AddSession(sess); err != nil {
		cancel()
		sess.Close()
		_ = conn.Close()
		return nil, err
	}
	// A session is only Open once it can be found by posts.
	if err := sess.Open(); err != nil {
		cancel()
		reg.Delete(sess.ID())
		sess.Close()
		_ = conn.Close()
		return nil, err
	}
	reg.Refresh(sess)

	_, p.span = p.tracer.Start(context.Background(), "relay.session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(telemetry.TargetAttributes(conn.Target())...),
		trace.WithAttributes(telemetry.AttrSessionID.String(sess.ID())),
	)
	p.metrics.SessionOpened()

	p.log.Info("relay session open",
		"target", upstream.Redact(conn.Target()),
		"transport", p.transport,
	)

	go p.forwardUpstream()
	go p.watchSession()
	return p, nil
}

// forwardUpstream moves upstream messages into the session in arrival order.
// Enqueue blocks while the browser is behind, which in turn stops reading
// from upstream.
func (p *Pipe) forwardUpstream() {
	for msg := range p.conn.Messages() {
		kind, method := types.Describe(msg)
		if err := p.sess.Enqueue(p.ctx, msg); err != nil {
			if !errors.Is(err, session.ErrSessionDisconnected) && !errors.Is(err, context.Canceled) {
				p.metrics.ForwardFailed(metrics.DirectionDownstream)
				p.log.Warn("failed to queue upstream message", "error", err)
			}
			return
		}
		p.metrics.Forwarded(metrics.DirectionDownstream, string(kind))
		p.metrics.ObserveQueueDepth(p.sess.QueueDepth())
		p.log.Debug("relayed message to browser", "kind", kind, "method", method)
	}

	cause := p.conn.Err()
	if cause == nil {
		cause = upstream.ErrStreamEnded
	}
	p.terminate(EndUpstream, cause)
}

func (p *Pipe) watchSession() {
	select {
	case <-p.sess.Done():
		p.terminate(EndSession, nil)
	case <-p.done:
	}
}

// Terminate ends the relay. Only the first call, from any side, has effect.
// A non-nil cause is reported by Cause as a termination error wrapping it.
func (p *Pipe) Terminate(cause error) {
	p.terminate(EndRelay, cause)
}

func (p *Pipe) terminate(reason EndReason, cause error) {
	p.once.Do(func() {
		p.reason = reason
		if cause != nil {
			p.cause = relayerrors.NewTerminationError(string(reason)+" ended the relay", cause)
		}

		p.sess.BeginClose()
		p.cancel()
		if err := p.conn.Close(); err != nil {
			p.log.Debug("error closing upstream connector", "error", err)
		}
		// Closing the session lets its stream drain what is already queued.
		p.sess.Close()
		p.registry.Delete(p.sess.ID())

		elapsed := time.Since(p.started)
		p.metrics.SessionClosed(p.transport, string(reason), elapsed.Seconds())

		if cause != nil && !errors.Is(cause, upstream.ErrStreamEnded) {
			p.span.RecordError(cause)
			p.span.SetStatus(codes.Error, cause.Error())
			p.log.Warn("relay session ended", "reason", reason, "duration", elapsed, "error", cause)
		} else {
			p.log.Info("relay session ended", "reason", reason, "duration", elapsed)
		}
		p.span.End()

		close(p.done)
	})
}

// Done is closed once the relay has fully terminated.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Reason reports which side ended the relay. Valid after Done is closed.
func (p *Pipe) Reason() EndReason {
	<-p.done
	return p.reason
}

// Cause reports the error that ended the relay, if any, as a termination
// error wrapping the original. Valid after Done is closed.
func (p *Pipe) Cause() error {
	<-p.done
	return p.cause
}

// Session returns the browser side of the relay.
func (p *Pipe) Session() *session.SSESession { return p.sess }
