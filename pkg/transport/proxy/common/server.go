// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-relay/pkg/logger"
)

// ServerConfig holds configuration for creating an HTTP server.
type ServerConfig struct {
	Host              string
	Port              int
	Handler           http.Handler
	ReadHeaderTimeout time.Duration
}

// DefaultReadHeaderTimeout is the default timeout for reading request headers.
const DefaultReadHeaderTimeout = 10 * time.Second

// NewHTTPServer creates a new HTTP server with standard security settings.
// No write timeout is set: SSE responses stay open for the session lifetime.
func NewHTTPServer(config ServerConfig) *http.Server {
	if config.ReadHeaderTimeout == 0 {
		config.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	return &http.Server{
		Addr:              net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:           config.Handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
}

// MountHealthCheck adds a health check endpoint to the router.
func MountHealthCheck(r chi.Router, healthChecker http.Handler) {
	if healthChecker != nil {
		r.Method(http.MethodGet, "/health", healthChecker)
	}
}

// MountMetrics adds a Prometheus metrics endpoint to the router.
// Returns true if the handler was non-nil and mounted.
func MountMetrics(r chi.Router, metricsHandler http.Handler) bool {
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
		return true
	}
	return false
}
