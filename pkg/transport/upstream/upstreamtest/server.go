// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstreamtest provides an in-process MCP SSE server for tests.
package upstreamtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stacklok/mcp-relay/pkg/transport/ssecommon"
)

// SSEServer mimics a remote MCP server speaking the HTTP+SSE transport.
// Every GET /sse stream receives the messages passed to Push; POST
// /messages bodies are delivered on Received.
type SSEServer struct {
	*httptest.Server

	push       chan string
	received   chan []byte
	endStreams chan struct{}
	endOnce    sync.Once
	postStatus atomic.Int32
	streams    atomic.Int32
}

// NewSSEServer starts the server and registers its shutdown with t.Cleanup.
func NewSSEServer(t *testing.T) *SSEServer {
	t.Helper()

	s := &SSEServer{
		push:       make(chan string, 64),
		received:   make(chan []byte, 64),
		endStreams: make(chan struct{}),
	}
	s.postStatus.Store(http.StatusAccepted)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleStream)
	mux.HandleFunc("/messages", s.handlePost)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		s.EndStreams()
		s.Close()
	})
	return s
}

// StreamURL is the URL clients dial.
func (s *SSEServer) StreamURL() string {
	return s.URL + "/sse"
}

// Push queues msg for delivery on the open stream.
func (s *SSEServer) Push(msg string) {
	s.push <- msg
}

// Received yields every body posted to the message endpoint.
func (s *SSEServer) Received() <-chan []byte {
	return s.received
}

// EndStreams makes every open stream return, ending it cleanly.
func (s *SSEServer) EndStreams() {
	s.endOnce.Do(func() { close(s.endStreams) })
}

// SetPostStatus changes the status returned for posted messages.
func (s *SSEServer) SetPostStatus(code int) {
	s.postStatus.Store(int32(code))
}

// OpenStreams reports how many streams are currently being served.
func (s *SSEServer) OpenStreams() int {
	return int(s.streams.Load())
}

func (s *SSEServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	s.streams.Add(1)
	defer s.streams.Add(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ssecommon.NewSSEMessage(ssecommon.EventEndpoint, "/messages?session_id=upstream-1").ToSSEString())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.endStreams:
			return
		case msg := <-s.push:
			fmt.Fprint(w, ssecommon.NewSSEMessage(ssecommon.EventMessage, msg).ToSSEString())
			flusher.Flush()
		}
	}
}

func (s *SSEServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := int(s.postStatus.Load())
	if status >= 200 && status < 300 {
		s.received <- body
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(http.StatusText(status)))
}
