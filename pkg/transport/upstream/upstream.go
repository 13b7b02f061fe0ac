// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream opens the relay's outbound connection to a remote MCP
// server. A Connector exposes the remote side as a lazy sequence of inbound
// messages plus a way to send one message back; the relay pipe does not care
// which transport sits underneath.
package upstream

//go:generate mockgen -destination=mocks/mock_upstream.go -package=mocks -source=upstream.go Connector,Dialer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	relayerrors "github.com/stacklok/mcp-relay/pkg/errors"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
)

// DefaultConnectTimeout bounds how long Dial may take.
const DefaultConnectTimeout = 10 * time.Second

var (
	// ErrClosed is returned by Send after the connector was closed or the
	// remote stream ended.
	ErrClosed = errors.New("upstream connection is closed")

	// ErrStreamEnded is the terminal cause when the remote side ends its
	// stream in an orderly way.
	ErrStreamEnded = errors.New("upstream ended the stream")

	// ErrUnsupportedScheme is returned for target URLs no connector handles.
	ErrUnsupportedScheme = errors.New("unsupported upstream URL scheme")
)

// Connector is one open connection to a remote MCP server.
type Connector interface {
	// Target returns the URL the connector was dialed with.
	Target() string

	// Messages returns the inbound message sequence. The channel is closed
	// when the remote side ends the stream, a protocol error occurs or the
	// connector is closed.
	Messages() <-chan types.Message

	// Err reports why Messages was closed. It is nil while the stream is open
	// and after a local Close.
	Err() error

	// Send writes one message to the remote side.
	Send(ctx context.Context, msg types.Message) error

	// Close releases the connection. Calling it more than once is a no-op.
	Close() error
}

// Dialer opens Connectors.
type Dialer interface {
	Dial(ctx context.Context, target string) (Connector, error)
}

// Option configures a SchemeDialer.
type Option func(*SchemeDialer)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(sd *SchemeDialer) {
		if d > 0 {
			sd.connectTimeout = d
		}
	}
}

// WithHTTPClient sets the client used by SSE connectors.
func WithHTTPClient(c *http.Client) Option {
	return func(sd *SchemeDialer) {
		if c != nil {
			sd.httpClient = c
		}
	}
}

// SchemeDialer picks the connector implementation from the target URL scheme:
// http and https speak MCP over SSE, ws and wss speak JSON-RPC over WebSocket.
type SchemeDialer struct {
	connectTimeout time.Duration
	httpClient     *http.Client
}

// NewDialer creates a SchemeDialer.
func NewDialer(opts ...Option) *SchemeDialer {
	d := &SchemeDialer{
		connectTimeout: DefaultConnectTimeout,
		httpClient:     &http.Client{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens a connector to target. Malformed targets yield an invalid
// argument error; every other failure is a connect error.
func (d *SchemeDialer) Dial(ctx context.Context, target string) (Connector, error) {
	u, err := ParseTarget(target)
	if err != nil {
		return nil, relayerrors.NewInvalidArgumentError("invalid upstream URL", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	var conn Connector
	switch u.Scheme {
	case "http", "https":
		conn, err = DialSSE(ctx, d.httpClient, u)
	case "ws", "wss":
		conn, err = DialWebSocket(ctx, u, d.connectTimeout)
	}
	if err != nil {
		return nil, relayerrors.NewConnectError(fmt.Sprintf("failed to connect to %s", u.Redacted()), err)
	}
	return conn, nil
}

// ParseTarget validates an upstream URL supplied by the browser.
func ParseTarget(target string) (*url.URL, error) {
	if target == "" {
		return nil, errors.New("upstream URL is empty")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream URL %q has no host", target)
	}
	return u, nil
}

// TransportName labels target by the connector that serves it: "sse",
// "websocket" or "unknown".
func TransportName(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	switch u.Scheme {
	case "http", "https":
		return "sse"
	case "ws", "wss":
		return "websocket"
	default:
		return "unknown"
	}
}

// Redact returns target with any password replaced, for logs and spans.
func Redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
