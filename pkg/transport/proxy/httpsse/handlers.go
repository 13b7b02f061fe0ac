// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpsse

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relayerrors "github.com/stacklok/mcp-relay/pkg/errors"
	"github.com/stacklok/mcp-relay/pkg/logger"
	"github.com/stacklok/mcp-relay/pkg/metrics"
	"github.com/stacklok/mcp-relay/pkg/telemetry"
	"github.com/stacklok/mcp-relay/pkg/transport/proxy/common"
	"github.com/stacklok/mcp-relay/pkg/transport/relay"
	"github.com/stacklok/mcp-relay/pkg/transport/session"
	"github.com/stacklok/mcp-relay/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream"
)

const errShuttingDown = "relay is shutting down"

// handleSSEConnection opens the upstream named by ?url= and, once it is up,
// streams the new session to the browser until either side ends.
func (p *HTTPSSEProxy) handleSSEConnection(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get(ssecommon.TargetURLParam)
	ctx, span := p.tracer.Start(r.Context(), "relay.establish",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(telemetry.TargetAttributes(target)...))
	defer span.End()

	if target == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	if _, err := upstream.ParseTarget(target); err != nil {
		http.Error(w, "invalid upstream URL: "+err.Error(), http.StatusBadRequest)
		return
	}

	flusher, err := common.GetFlusher(w)
	if err != nil {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	if !p.beginPipe() {
		http.Error(w, errShuttingDown, http.StatusServiceUnavailable)
		return
	}
	defer p.pipes.Done()

	conn, err := p.dialer.Dial(ctx, target)
	if err != nil {
		if relayerrors.IsConnect(err) {
			p.metrics.ConnectFailed(upstream.TransportName(target))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		logger.Warnw("failed to connect to upstream", "target", upstream.Redact(target), "error", err)

		msg := "failed to connect to upstream: " + err.Error()
		if relayerrors.IsInvalidArgument(err) {
			msg = "invalid upstream URL: " + err.Error()
		}
		http.Error(w, msg, relayerrors.HTTPStatus(err))
		return
	}

	sess := session.NewSSESession(target, p.sessionOptions()...)
	log := logger.With("session_id", sess.ID())
	pipe, err := relay.Start(sess, conn, p.sessionManager,
		relay.WithMetrics(p.metrics),
		relay.WithTracer(p.tracer),
	)
	if err != nil {
		span.RecordError(err)
		ierr := relayerrors.NewInternalError("Failed to create session", err)
		log.Error("failed to start relay", "error", ierr)
		http.Error(w, ierr.Message, relayerrors.HTTPStatus(ierr))
		return
	}
	span.SetAttributes(telemetry.AttrSessionID.String(sess.ID()))

	// Stop may have snapshotted the registry before this session joined it.
	if p.isStopping() {
		pipe.Terminate(nil)
		<-pipe.Done()
		http.Error(w, errShuttingDown, http.StatusServiceUnavailable)
		return
	}

	log.Info("new SSE connection", "target", upstream.Redact(target))

	common.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := sess.StreamTo(r.Context(), w, flusher); err != nil {
		log.Debug("SSE stream ended with error", "error", err)
	}
	<-pipe.Done()
}

func (p *HTTPSSEProxy) sessionOptions() []session.Option {
	opts := []session.Option{session.WithMessageEndpoint(ssecommon.HTTPMessagesEndpoint)}
	switch {
	case p.opts.KeepAliveInterval > 0:
		opts = append(opts, session.WithKeepAliveInterval(p.opts.KeepAliveInterval))
	case p.opts.KeepAliveInterval < 0:
		opts = append(opts, session.WithKeepAliveInterval(0))
	}
	if p.opts.OutboundBuffer > 0 {
		opts = append(opts, session.WithOutboundBuffer(p.opts.OutboundBuffer))
	}
	return opts
}

// handlePostRequest forwards one browser message to the session's upstream.
// A failed forward is reported to this caller only; the session stays open.
func (p *HTTPSSEProxy) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get(ssecommon.SessionIDParam)
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	ctx, span := p.tracer.Start(r.Context(), "relay.post",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(telemetry.AttrSessionID.String(sessionID)))
	defer span.End()

	log := logger.With("session_id", sessionID)

	sess, ok := p.sessionManager.Get(sessionID)
	if !ok {
		log.Warn("no session found for post")
		writeNotFound(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.opts.MaxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	msg := types.Message(body)
	if err := types.Validate(msg); err != nil {
		http.Error(w, "invalid JSON-RPC message: "+err.Error(), http.StatusBadRequest)
		return
	}
	kind, method := types.Describe(msg)
	span.SetAttributes(telemetry.AttrMessageKind.String(string(kind)), telemetry.AttrMessageMethod.String(method))

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()

	if err := sess.AcceptInbound(sendCtx, msg); err != nil {
		if errors.Is(err, session.ErrSessionDisconnected) {
			writeNotFound(w)
			return
		}
		p.metrics.ForwardFailed(metrics.DirectionUpstream)
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		log.Warn("failed to forward message upstream", "method", method, "error", err)

		ferr := relayerrors.NewForwardError("failed to forward message upstream", err)
		common.WriteJSONError(w, relayerrors.HTTPStatus(ferr), ferr.Error())
		return
	}

	p.metrics.Forwarded(metrics.DirectionUpstream, string(kind))
	log.Debug("handled post message", "kind", kind, "method", method)

	writeText(w, http.StatusOK, "Accepted")
}

func writeNotFound(w http.ResponseWriter) {
	nf := relayerrors.NewSessionNotFoundError("Session not found", nil)
	writeText(w, relayerrors.HTTPStatus(nf), nf.Message)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Storage  string `json:"storage"`
}

// handleHealth reports 503 while the session storage is unreachable.
func (p *HTTPSSEProxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Sessions: p.sessionManager.Len(), Storage: "ok"}
	status := http.StatusOK
	if err := p.sessionManager.Ping(r.Context()); err != nil {
		logger.Warnw("session storage unreachable", "error", err)
		resp.Status = "degraded"
		resp.Storage = "unreachable"
		status = http.StatusServiceUnavailable
	}
	common.WriteJSON(w, status, resp)
}

func (p *HTTPSSEProxy) handleSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := p.sessionManager.Records(r.Context())
	if err != nil {
		logger.Warnw("failed to list session records", "error", err)
		common.WriteJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if recs == nil {
		recs = []session.Record{}
	}
	common.WriteJSON(w, http.StatusOK, recs)
}
