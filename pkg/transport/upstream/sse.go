// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
	"github.com/stacklok/mcp-relay/pkg/versions"
)

// maxErrorBody caps how much of a rejected post's body ends up in an error.
const maxErrorBody = 1024

// SSEConnector speaks the MCP HTTP+SSE transport: a long-lived GET stream for
// inbound messages and POSTs to the advertised endpoint for outbound ones.
type SSEConnector struct {
	target   *url.URL
	endpoint *url.URL
	client   *http.Client

	body     io.ReadCloser
	cancel   context.CancelFunc
	messages chan types.Message

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

// DialSSE opens the event stream at target and waits for the endpoint event.
// ctx bounds only the connect phase; the stream itself lives until Close or
// until the remote side ends it.
func DialSSE(ctx context.Context, client *http.Client, target *url.URL) (*SSEConnector, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stopConnectWatch := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", versions.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status opening SSE stream: %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q for SSE stream", ct)
	}

	reader := ssecommon.NewEventReader(resp.Body)
	endpoint, err := readEndpoint(reader, target)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	if !stopConnectWatch() {
		// The connect deadline fired while we were reading; the stream is gone.
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("connect to %s: %w", target.Redacted(), context.Cause(ctx))
	}

	c := &SSEConnector{
		target:   target,
		endpoint: endpoint,
		client:   client,
		body:     resp.Body,
		cancel:   cancel,
		messages: make(chan types.Message),
		closed:   make(chan struct{}),
	}
	go c.readLoop(reader)

	logger.Debugw("upstream SSE stream open", "target", target.Redacted(), "endpoint", endpoint.Redacted())
	return c, nil
}

// readEndpoint consumes the first event, which must advertise the post URL.
func readEndpoint(reader *ssecommon.EventReader, target *url.URL) (*url.URL, error) {
	ev, err := reader.Next()
	if err != nil {
		return nil, fmt.Errorf("SSE stream ended before the endpoint event: %w", err)
	}
	if ev.EventType != ssecommon.EventEndpoint {
		return nil, fmt.Errorf("expected %q as first SSE event, got %q", ssecommon.EventEndpoint, ev.EventType)
	}

	endpoint, err := target.Parse(strings.TrimSpace(ev.Data))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", ev.Data, err)
	}
	if endpoint.Scheme != target.Scheme || endpoint.Host != target.Host {
		return nil, fmt.Errorf("endpoint origin %s://%s does not match connection origin %s://%s",
			endpoint.Scheme, endpoint.Host, target.Scheme, target.Host)
	}
	return endpoint, nil
}

func (c *SSEConnector) readLoop(reader *ssecommon.EventReader) {
	defer close(c.messages)

	for {
		ev, err := reader.Next()
		if err != nil {
			if ssecommon.IsCleanEOF(err) {
				err = ErrStreamEnded
			}
			c.finish(err)
			return
		}

		switch ev.EventType {
		case ssecommon.EventMessage:
		case ssecommon.EventEndpoint:
			logger.Debugw("ignoring repeated endpoint event", "target", c.target.Redacted())
			continue
		default:
			logger.Debugw("ignoring SSE event", "event", ev.EventType, "target", c.target.Redacted())
			continue
		}

		msg := types.Message(ev.Data)
		if err := types.Validate(msg); err != nil {
			c.finish(fmt.Errorf("upstream sent a malformed message: %w", err))
			return
		}

		select {
		case c.messages <- msg:
		case <-c.closed:
			return
		}
	}
}

// finish records the terminal cause unless the connector was closed locally,
// in which case the read error is just the echo of our own Close.
func (c *SSEConnector) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		c.err = err
	}
}

// Target implements Connector.
func (c *SSEConnector) Target() string { return c.target.String() }

// Messages implements Connector.
func (c *SSEConnector) Messages() <-chan types.Message { return c.messages }

// Err implements Connector.
func (c *SSEConnector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send posts msg to the endpoint advertised by the server.
func (c *SSEConnector) Send(ctx context.Context, msg types.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("failed to build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", versions.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("upstream rejected message: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close implements Connector.
func (c *SSEConnector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		c.cancel()
		if cerr := c.body.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = cerr
		}
	})
	return err
}
