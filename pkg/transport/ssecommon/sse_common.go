// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ssecommon holds the Server-Sent Events framing shared by the
// browser-facing stream and the upstream SSE connector.
package ssecommon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// HTTPSSEEndpoint is the path browsers open to establish a relay session.
	HTTPSSEEndpoint = "/sse"
	// HTTPMessagesEndpoint is the path browsers post JSON-RPC messages to.
	HTTPMessagesEndpoint = "/message"
	// SessionIDParam names the query parameter carrying the session identifier.
	SessionIDParam = "sessionId"
	// TargetURLParam names the query parameter carrying the upstream URL.
	TargetURLParam = "url"

	// EventEndpoint is the first event of an MCP SSE stream; its data is the post URL.
	EventEndpoint = "endpoint"
	// EventMessage carries one JSON-RPC message.
	EventMessage = "message"

	// KeepAliveComment is written periodically so idle proxies keep the stream open.
	KeepAliveComment = ": keep-alive\n\n"
)

// maxLineSize bounds a single SSE line read from upstream.
const maxLineSize = 16 * 1024 * 1024

// SSEMessage represents a Server-Sent Event.
type SSEMessage struct {
	EventType string
	Data      string
	CreatedAt time.Time
}

// NewSSEMessage creates a new SSE message.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// ToSSEString renders the message in the text/event-stream wire format.
// Multi-line data is split across several data fields.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "event: %s\n", m.EventType)
	for _, line := range strings.Split(m.Data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	return sb.String()
}

// EventReader decodes a text/event-stream into SSEMessages.
type EventReader struct {
	scanner *bufio.Scanner
}

// NewEventReader wraps r, typically an HTTP response body.
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &EventReader{scanner: scanner}
}

// Next blocks until a complete event has been read. Comments and id/retry
// fields are skipped. An event without an explicit type is a "message".
// io.EOF is returned when the stream ends cleanly between events.
func (r *EventReader) Next() (*SSEMessage, error) {
	var (
		eventType string
		data      []string
		seen      bool
	)

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if !seen {
				continue
			}
			if eventType == "" {
				eventType = EventMessage
			}
			return NewSSEMessage(eventType, strings.Join(data, "\n")), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if seen {
		return nil, fmt.Errorf("stream ended inside an event: %w", io.ErrUnexpectedEOF)
	}
	return nil, io.EOF
}

// IsCleanEOF reports whether err marks an orderly end of stream.
func IsCleanEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
