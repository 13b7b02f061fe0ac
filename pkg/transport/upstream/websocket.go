// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
	"github.com/stacklok/mcp-relay/pkg/versions"
)

// closeGracePeriod bounds how long Close waits to deliver the close frame.
const closeGracePeriod = time.Second

// WebSocketConnector carries one JSON-RPC message per text frame in both
// directions over a single WebSocket connection.
type WebSocketConnector struct {
	target   *url.URL
	conn     *websocket.Conn
	messages chan types.Message

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

// DialWebSocket performs the WebSocket handshake with target.
func DialWebSocket(ctx context.Context, target *url.URL, handshakeTimeout time.Duration) (*WebSocketConnector, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	headers := http.Header{}
	headers.Set("User-Agent", versions.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, target.String(), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open WebSocket: %w", err)
	}

	c := &WebSocketConnector{
		target:   target,
		conn:     conn,
		messages: make(chan types.Message),
		closed:   make(chan struct{}),
	}
	go c.readLoop()

	logger.Debugw("upstream WebSocket open", "target", target.Redacted())
	return c, nil
}

func (c *WebSocketConnector) readLoop() {
	defer close(c.messages)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrStreamEnded
			}
			c.finish(err)
			return
		}
		if kind != websocket.TextMessage {
			logger.Debugw("ignoring non-text WebSocket frame", "target", c.target.Redacted(), "type", kind)
			continue
		}

		msg := types.Message(data)
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

func (c *WebSocketConnector) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		c.err = err
	}
}

// Target implements Connector.
func (c *WebSocketConnector) Target() string { return c.target.String() }

// Messages implements Connector.
func (c *WebSocketConnector) Messages() <-chan types.Message { return c.messages }

// Err implements Connector.
func (c *WebSocketConnector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes msg as a single text frame. gorilla/websocket allows one
// concurrent writer, so posts are serialized here.
func (c *WebSocketConnector) Send(ctx context.Context, msg types.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write message upstream: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame and tears the connection down.
func (c *WebSocketConnector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()

		// WriteControl may run concurrently with a blocked Send.
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod)); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			logger.Debugw("failed to send WebSocket close frame", "target", c.target.Redacted(), "error", werr)
		}

		err = c.conn.Close()
	})
	return err
}
