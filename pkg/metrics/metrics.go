// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors exported by the relay.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_relay"

// Directions of relayed traffic.
const (
	DirectionUpstream   = "upstream"   // browser to remote server
	DirectionDownstream = "downstream" // remote server to browser
)

// Metrics groups the relay collectors on one registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	MessagesForwarded *prometheus.CounterVec
	ForwardErrors     *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	QueueDepth        prometheus.Histogram
}

// New registers the relay collectors, plus the Go and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the relay collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of relay sessions currently open",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relay sessions by upstream transport and how they ended",
		}, []string{"transport", "end"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session lifetime in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		MessagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Total number of messages relayed",
		}, []string{"direction", "kind"}),
		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total number of messages that could not be relayed",
		}, []string{"direction"}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total number of failed upstream connection attempts",
		}, []string{"transport"}),
		QueueDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting for the browser, sampled on every enqueue",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionOpened records a newly established session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed records the end of a session.
func (m *Metrics) SessionClosed(transport, end string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(transport, end).Inc()
	m.SessionDuration.Observe(seconds)
}

// Forwarded records one relayed message.
func (m *Metrics) Forwarded(direction, kind string) {
	if m == nil {
		return
	}
	m.MessagesForwarded.WithLabelValues(direction, kind).Inc()
}

// ForwardFailed records a message that could not be relayed.
func (m *Metrics) ForwardFailed(direction string) {
	if m == nil {
		return
	}
	m.ForwardErrors.WithLabelValues(direction).Inc()
}

// ConnectFailed records a failed upstream dial.
func (m *Metrics) ConnectFailed(transport string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(transport).Inc()
}

// ObserveQueueDepth samples the outbound queue of a session.
func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Observe(float64(depth))
}
