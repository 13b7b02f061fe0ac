// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpsse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	relayerrors "github.com/stacklok/mcp-relay/pkg/errors"
	"github.com/stacklok/mcp-relay/pkg/metrics"
	"github.com/stacklok/mcp-relay/pkg/telemetry"
	"github.com/stacklok/mcp-relay/pkg/transport/session"
	"github.com/stacklok/mcp-relay/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-relay/pkg/transport/types"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream/mocks"
	"github.com/stacklok/mcp-relay/pkg/transport/upstream/upstreamtest"
)

const eventTimeout = 5 * time.Second

// browser is a minimal SSE client for the relay.
type browser struct {
	resp      *http.Response
	events    chan *ssecommon.SSEMessage
	readErr   chan error
	sessionID string
}

func newRelay(t *testing.T, opts Options) (*HTTPSSEProxy, *httptest.Server) {
	t.Helper()
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = -1
	}
	p := NewHTTPSSEProxy(opts)
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
		srv.Close()
	})
	return p, srv
}

func streamURL(relayURL, target string) string {
	return relayURL + ssecommon.HTTPSSEEndpoint + "?" + ssecommon.TargetURLParam + "=" + url.QueryEscape(target)
}

func connect(t *testing.T, relayURL, target string) *browser {
	t.Helper()

	resp, err := http.Get(streamURL(relayURL, target))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	b := &browser{
		resp:    resp,
		events:  make(chan *ssecommon.SSEMessage, 64),
		readErr: make(chan error, 1),
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	go func() {
		reader := ssecommon.NewEventReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				b.readErr <- err
				close(b.events)
				return
			}
			b.events <- ev
		}
	}()

	ev := b.next(t)
	require.Equal(t, ssecommon.EventEndpoint, ev.EventType)
	endpoint, err := url.Parse(ev.Data)
	require.NoError(t, err)
	assert.Equal(t, ssecommon.HTTPMessagesEndpoint, endpoint.Path)
	b.sessionID = endpoint.Query().Get(ssecommon.SessionIDParam)
	require.NotEmpty(t, b.sessionID)
	return b
}

func (b *browser) next(t *testing.T) *ssecommon.SSEMessage {
	t.Helper()
	select {
	case ev, ok := <-b.events:
		require.True(t, ok, "stream ended unexpectedly")
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for SSE event")
		return nil
	}
}

func (b *browser) waitEnd(t *testing.T) error {
	t.Helper()
	select {
	case err := <-b.readErr:
		return err
	case <-time.After(eventTimeout):
		t.Fatal("stream did not end")
		return nil
	}
}

func post(t *testing.T, relayURL, sessionID, body string) (int, string) {
	t.Helper()
	target := relayURL + ssecommon.HTTPMessagesEndpoint + "?" + ssecommon.SessionIDParam + "=" + url.QueryEscape(sessionID)
	resp, err := http.Post(target, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestEstablishAndPost(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	_, relaySrv := newRelay(t, Options{})
	b := connect(t, relaySrv.URL, up.StreamURL())

	status, body := post(t, relaySrv.URL, b.sessionID, `{"method":"ping"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Accepted", body)

	select {
	case got := <-up.Received():
		assert.JSONEq(t, `{"method":"ping"}`, string(got))
	case <-time.After(eventTimeout):
		t.Fatal("upstream never received the post")
	}
}

func TestUpstreamMessagesReachBrowserInOrder(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	_, relaySrv := newRelay(t, Options{})
	b := connect(t, relaySrv.URL, up.StreamURL())

	for i := range 10 {
		up.Push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, i))
	}
	for i := range 10 {
		ev := b.next(t)
		assert.Equal(t, ssecommon.EventMessage, ev.EventType)
		assert.JSONEq(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, i), ev.Data)
	}
}

func TestPostUnknownSession(t *testing.T) {
	t.Parallel()

	p, relaySrv := newRelay(t, Options{})
	before := p.SessionManager().Len()

	status, body := post(t, relaySrv.URL, "does-not-exist", `{"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Session not found", body)
	assert.Equal(t, before, p.SessionManager().Len())
}

func TestPostValidation(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	_, relaySrv := newRelay(t, Options{MaxMessageBytes: 64})
	b := connect(t, relaySrv.URL, up.StreamURL())

	status, _ := post(t, relaySrv.URL, "", `{}`)
	assert.Equal(t, http.StatusBadRequest, status, "missing session id")

	status, _ = post(t, relaySrv.URL, b.sessionID, `{"method":`)
	assert.Equal(t, http.StatusBadRequest, status, "invalid JSON")

	status, _ = post(t, relaySrv.URL, b.sessionID, `{"method":"`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	resp, err := http.Get(relaySrv.URL + ssecommon.HTTPMessagesEndpoint + "?sessionId=" + b.sessionID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEstablishValidation(t *testing.T) {
	t.Parallel()

	p, relaySrv := newRelay(t, Options{})

	tests := []struct {
		name   string
		url    string
		status int
	}{
		{"missing url", relaySrv.URL + ssecommon.HTTPSSEEndpoint, http.StatusBadRequest},
		{"unsupported scheme", streamURL(relaySrv.URL, "ftp://example.com/sse"), http.StatusBadRequest},
		{"no host", streamURL(relaySrv.URL, "http:///sse"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Get(tt.url)
		require.NoError(t, err, tt.name)
		resp.Body.Close()
		assert.Equal(t, tt.status, resp.StatusCode, tt.name)
	}
	assert.Equal(t, 0, p.SessionManager().Len())
}

func TestEstablishUnreachableUpstream(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL + "/sse"
	dead.Close()

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p, relaySrv := newRelay(t, Options{ConnectTimeout: 2 * time.Second, Metrics: m})

	resp, err := http.Get(streamURL(relaySrv.URL, deadURL))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "failed to connect to upstream")
	assert.Equal(t, 0, p.SessionManager().Len())
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectFailures.WithLabelValues("sse")), 0)
}

func TestEstablishDialerError(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	target := "wss://mcp.example.com/rpc"
	dialer.EXPECT().
		Dial(gomock.Any(), target).
		Return(nil, relayerrors.NewConnectError("failed to connect", errors.New("handshake refused")))

	p, relaySrv := newRelay(t, Options{Dialer: dialer})

	resp, err := http.Get(streamURL(relaySrv.URL, target))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, p.SessionManager().Len())
}

func TestSessionIDsAreUnique(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	p, relaySrv := newRelay(t, Options{})

	seen := map[string]bool{}
	for range 5 {
		b := connect(t, relaySrv.URL, up.StreamURL())
		require.False(t, seen[b.sessionID])
		seen[b.sessionID] = true
	}
	assert.Equal(t, 5, p.SessionManager().Len())
}

func TestForwardFailureKeepsSession(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	_, relaySrv := newRelay(t, Options{})
	b := connect(t, relaySrv.URL, up.StreamURL())

	up.SetPostStatus(http.StatusServiceUnavailable)
	status, body := post(t, relaySrv.URL, b.sessionID, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusInternalServerError, status)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Contains(t, payload["error"], "503")

	up.SetPostStatus(http.StatusAccepted)
	status, _ = post(t, relaySrv.URL, b.sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestUpstreamCloseEndsBrowserStream(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	p, relaySrv := newRelay(t, Options{})
	b := connect(t, relaySrv.URL, up.StreamURL())

	up.Push(`{"jsonrpc":"2.0","method":"notifications/last"}`)
	assert.Equal(t, ssecommon.EventMessage, b.next(t).EventType)

	up.EndStreams()
	assert.ErrorIs(t, b.waitEnd(t), io.EOF, "stream ends cleanly")

	require.Eventually(t, func() bool { return p.SessionManager().Len() == 0 }, eventTimeout, 10*time.Millisecond)
	status, body := post(t, relaySrv.URL, b.sessionID, `{"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Session not found", body)
}

func TestBrowserDisconnectClosesUpstream(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	p, relaySrv := newRelay(t, Options{})
	b := connect(t, relaySrv.URL, up.StreamURL())
	require.Eventually(t, func() bool { return up.OpenStreams() == 1 }, eventTimeout, 10*time.Millisecond)

	require.NoError(t, b.resp.Body.Close())

	require.Eventually(t, func() bool { return p.SessionManager().Len() == 0 }, eventTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool { return up.OpenStreams() == 0 }, eventTimeout, 10*time.Millisecond)
}

func TestHealthAndSessions(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	_, relaySrv := newRelay(t, Options{})

	var health HealthResponse
	getJSON(t, relaySrv.URL+"/health", &health)
	assert.Equal(t, HealthResponse{Status: "ok", Sessions: 0, Storage: "ok"}, health)

	var recs []session.Record
	getJSON(t, relaySrv.URL+"/sessions", &recs)
	assert.Empty(t, recs)

	b := connect(t, relaySrv.URL, up.StreamURL())

	getJSON(t, relaySrv.URL+"/health", &health)
	assert.Equal(t, 1, health.Sessions)

	getJSON(t, relaySrv.URL+"/sessions", &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, b.sessionID, recs[0].ID)
	assert.Equal(t, up.StreamURL(), recs[0].Target)
	assert.Equal(t, "open", recs[0].State)
}

func getJSON(t *testing.T, target string, v any) {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	_, relaySrv := newRelay(t, Options{Metrics: m})
	b := connect(t, relaySrv.URL, up.StreamURL())

	status, _ := post(t, relaySrv.URL, b.sessionID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(relaySrv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "mcp_relay_sessions_active 1")
	assert.Contains(t, string(body), `mcp_relay_messages_forwarded_total{direction="upstream",kind="call"} 1`)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	t.Parallel()

	_, relaySrv := newRelay(t, Options{})
	resp, err := http.Get(relaySrv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	_, relaySrv := newRelay(t, Options{})

	req, err := http.NewRequest(http.MethodOptions, relaySrv.URL+ssecommon.HTTPMessagesEndpoint, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodPost, resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestEstablishSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := telemetry.NewProviderWithExporter(exporter)
	up := upstreamtest.NewSSEServer(t)
	_, relaySrv := newRelay(t, Options{Tracer: tp.Tracer()})

	b := connect(t, relaySrv.URL, up.StreamURL())
	status, _ := post(t, relaySrv.URL, b.sessionID, `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		for _, s := range exporter.GetSpans() {
			if s.Name == "relay.post" {
				return true
			}
		}
		return false
	}, eventTimeout, 10*time.Millisecond)

	for _, s := range exporter.GetSpans() {
		if s.Name == "relay.post" {
			assert.Contains(t, s.Attributes, telemetry.AttrMessageMethod.String("tools/call"))
			assert.Contains(t, s.Attributes, telemetry.AttrSessionID.String(b.sessionID))
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	p := NewHTTPSSEProxy(Options{Host: "127.0.0.1", Port: 0, KeepAliveInterval: -1})
	require.NoError(t, p.Start(context.Background()))
	require.Error(t, p.Start(context.Background()), "second start fails")

	relayURL := "http://" + p.Addr()
	b := connect(t, relayURL, up.StreamURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Wait())

	_ = b.waitEnd(t)
	assert.Equal(t, 0, p.SessionManager().Len())
}

// newRedisManager returns a session manager whose records live in miniredis.
func newRedisManager(t *testing.T) (*session.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storage := session.NewRedisStorageWithClient(client, "relay-test:", time.Hour)
	return session.NewManager(time.Hour, session.WithStorage(storage)), mr
}

func TestStopRemovesStoredRecords(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	mgr, mr := newRedisManager(t)
	p, relaySrv := newRelay(t, Options{SessionManager: mgr})

	browsers := make([]*browser, 0, 5)
	for range 5 {
		browsers = append(browsers, connect(t, relaySrv.URL, up.StreamURL()))
	}
	require.Len(t, mr.Keys(), 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	assert.Empty(t, mr.Keys(), "every record is removed before storage closes")
	assert.Equal(t, 0, mgr.Len())
	for _, b := range browsers {
		_ = b.waitEnd(t)
	}
}

func TestEstablishAfterStopIsRejected(t *testing.T) {
	t.Parallel()

	up := upstreamtest.NewSSEServer(t)
	p, relaySrv := newRelay(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	resp, err := http.Get(streamURL(relaySrv.URL, up.StreamURL()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "shutting down")
	assert.Equal(t, 0, p.SessionManager().Len())
	assert.Equal(t, 0, up.OpenStreams(), "no upstream is dialled")
}

func TestHealthReportsUnreachableStorage(t *testing.T) {
	t.Parallel()

	mgr, mr := newRedisManager(t)
	_, relaySrv := newRelay(t, Options{SessionManager: mgr})

	var health HealthResponse
	getJSON(t, relaySrv.URL+"/health", &health)
	assert.Equal(t, "ok", health.Storage)

	mr.Close()

	resp, err := http.Get(relaySrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, HealthResponse{Status: "degraded", Sessions: 0, Storage: "unreachable"}, health)
}

func TestPostBlockedWhileUpstreamEnds(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	target := "wss://mcp.example.com/rpc"

	msgs := make(chan types.Message)
	var inbound <-chan types.Message = msgs
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var releaseOnce sync.Once
	var closeCalls atomic.Int32

	conn := mocks.NewMockConnector(ctrl)
	conn.EXPECT().Target().Return(target).AnyTimes()
	conn.EXPECT().Messages().Return(inbound).AnyTimes()
	conn.EXPECT().Err().Return(errors.New("remote went away")).AnyTimes()
	conn.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ types.Message) error {
		entered <- struct{}{}
		select {
		case <-release:
			return upstream.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}).Times(1)
	conn.EXPECT().Close().DoAndReturn(func() error {
		closeCalls.Add(1)
		releaseOnce.Do(func() { close(release) })
		return nil
	}).Times(1)

	dialer := mocks.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), target).Return(conn, nil)

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	p, relaySrv := newRelay(t, Options{Dialer: dialer, Metrics: m})
	b := connect(t, relaySrv.URL, target)

	postURL := relaySrv.URL + ssecommon.HTTPMessagesEndpoint + "?" + ssecommon.SessionIDParam + "=" + b.sessionID
	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Post(postURL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if err != nil {
			statusCh <- 0
			return
		}
		_ = resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	select {
	case <-entered:
	case <-time.After(eventTimeout):
		t.Fatal("post never reached the upstream")
	}
	close(msgs)

	select {
	case status := <-statusCh:
		assert.Contains(t, []int{http.StatusInternalServerError, http.StatusNotFound}, status)
	case <-time.After(eventTimeout):
		t.Fatal("blocked post was not released")
	}

	_ = b.waitEnd(t)
	require.Eventually(t, func() bool { return p.SessionManager().Len() == 0 }, eventTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(1), closeCalls.Load())
	assert.Equal(t, 1, testutil.CollectAndCount(m.SessionsTotal))
	assert.InDelta(t, 0, testutil.ToFloat64(m.SessionsActive), 0)
}
