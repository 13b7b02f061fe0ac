// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package httpsse provides the browser-facing side of the relay: an MCP
// HTTP+SSE endpoint that pairs every browser stream with a connection to the
// remote server named in the request.
package httpsse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/metrics"
	"github.com/stacklok/mcp-relay/pkg/transport/proxy/common"
	"github.com/stacklok/mcp-relay/pkg/transport/session"
	"github.com/stacklok/mcp-relay/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream"
)

// Defaults for Options fields left at zero.
const (
	DefaultSendTimeout     = 30 * time.Second
	DefaultMaxMessageBytes = 4 << 20
)

// Options configures an HTTPSSEProxy.
type Options struct {
	Host string
	Port int

	// Dialer opens upstream connections. Defaults to upstream.NewDialer with
	// ConnectTimeout.
	Dialer         upstream.Dialer
	ConnectTimeout time.Duration

	// SendTimeout bounds forwarding one posted message upstream.
	SendTimeout time.Duration

	// Session tuning; zero values use the session package defaults.
	// A negative KeepAliveInterval disables keep-alives.
	KeepAliveInterval time.Duration
	OutboundBuffer    int

	// MaxMessageBytes caps the size of a posted message.
	MaxMessageBytes int64

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string

	// Middlewares wrap the /sse and /message handlers, outermost first.
	Middlewares []func(http.Handler) http.Handler

	// SessionManager is the registry. Defaults to one with DefaultSessionTTL.
	SessionManager *session.Manager

	// Metrics, when set, is recorded and served at /metrics.
	Metrics *metrics.Metrics

	// Tracer, when set, records establish and post spans.
	Tracer trace.Tracer
}

// HTTPSSEProxy is the relay's HTTP front door.
//
//nolint:revive // Intentionally named HTTPSSEProxy despite package name
type HTTPSSEProxy struct {
	opts Options

	dialer         upstream.Dialer
	sessionManager *session.Manager
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	handler        http.Handler

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	serveDone chan struct{}
	serveErr  error

	// stopping is set once Stop begins; pipes counts establish handlers
	// that may still own a relay. Both are guarded by mu.
	stopping bool
	pipes    sync.WaitGroup
}

// NewHTTPSSEProxy creates the front door. Call Start to begin serving, or use
// Handler directly.
func NewHTTPSSEProxy(opts Options) *HTTPSSEProxy {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}

	p := &HTTPSSEProxy{
		opts:           opts,
		dialer:         opts.Dialer,
		sessionManager: opts.SessionManager,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	if p.dialer == nil {
		p.dialer = upstream.NewDialer(upstream.WithConnectTimeout(opts.ConnectTimeout))
	}
	if p.sessionManager == nil {
		p.sessionManager = session.NewManager(session.DefaultSessionTTL)
	}
	if p.tracer == nil {
		p.tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	p.handler = p.routes()
	return p
}

func (p *HTTPSSEProxy) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(common.CORS(p.opts.AllowedOrigins))

	r.Method(http.MethodGet, ssecommon.HTTPSSEEndpoint,
		common.ApplyMiddlewares(http.HandlerFunc(p.handleSSEConnection), p.opts.Middlewares...))
	r.Method(http.MethodPost, ssecommon.HTTPMessagesEndpoint,
		common.ApplyMiddlewares(http.HandlerFunc(p.handlePostRequest), p.opts.Middlewares...))

	common.MountHealthCheck(r, http.HandlerFunc(p.handleHealth))
	r.Get("/sessions", p.handleSessions)
	if p.metrics != nil {
		common.MountMetrics(r, p.metrics.Handler())
	}
	return r
}

// Handler returns the routed HTTP handler.
func (p *HTTPSSEProxy) Handler() http.Handler {
	return p.handler
}

// SessionManager returns the session registry.
func (p *HTTPSSEProxy) SessionManager() *session.Manager {
	return p.sessionManager
}

// Start binds the listener and serves in the background. Port 0 picks a
// free port; Addr reports the result.
func (p *HTTPSSEProxy) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return errors.New("relay server already started")
	}

	p.server = common.NewHTTPServer(common.ServerConfig{
		Host:    p.opts.Host,
		Port:    p.opts.Port,
		Handler: p.handler,
	})
	listener, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		p.server = nil
		return fmt.Errorf("failed to create listener: %w", err)
	}
	p.listener = listener
	p.server.Addr = listener.Addr().String()
	p.serveDone = make(chan struct{})

	addr := p.server.Addr
	srv := p.server
	done := p.serveDone
	go func() {
		defer close(done)
		logger.Infof("MCP relay listening on %s", addr)
		logger.Infof("SSE endpoint: http://%s%s?%s=<upstream>", addr, ssecommon.HTTPSSEEndpoint, ssecommon.TargetURLParam)
		logger.Infof("JSON-RPC endpoint: http://%s%s", addr, ssecommon.HTTPMessagesEndpoint)

		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else if err != nil {
			logger.Errorf("HTTP server error: %v", err)
		}
		p.mu.Lock()
		p.serveErr = err
		p.mu.Unlock()
	}()
	return nil
}

// Addr returns the bound address once started.
func (p *HTTPSSEProxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Wait blocks until the server stops serving and returns its error.
func (p *HTTPSSEProxy) Wait() error {
	p.mu.Lock()
	done := p.serveDone
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serveErr
}

// Stop refuses new sessions, closes every live one and waits for their
// relays to finish removing them before closing the session storage. The
// HTTP server is shut down last. If ctx ends first, storage is closed anyway
// and the remaining records are left to expire.
func (p *HTTPSSEProxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	srv := p.server
	p.mu.Unlock()

	p.sessionManager.CloseAll()

	drained := make(chan struct{})
	go func() {
		p.pipes.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warnw("timed out waiting for relay sessions to end", "remaining", p.sessionManager.Len())
	}
	p.sessionManager.Stop()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// beginPipe registers an establish handler with the proxy. It reports false
// once Stop has begun; otherwise the caller must call p.pipes.Done.
func (p *HTTPSSEProxy) beginPipe() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	p.pipes.Add(1)
	return true
}

func (p *HTTPSSEProxy) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}
