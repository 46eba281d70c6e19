package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/admin"
	"github.com/onnwee/livepresence/internal/auth"
	"github.com/onnwee/livepresence/internal/fanout"
	"github.com/onnwee/livepresence/internal/ingest"
	"github.com/onnwee/livepresence/internal/middleware"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
	"github.com/onnwee/livepresence/internal/store"
	"github.com/onnwee/livepresence/internal/transport"
)

const testAdminSecret = "test-admin-secret-with-enough-bytes"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testServer wires the real components behind the router, the way main does.
type testServer struct {
	clock      *testClock
	registry   *presence.MemoryRegistry
	log        *activity.MemoryLog
	hub        *fanout.Hub
	conns      *transport.Conns
	store      *store.MemoryStore
	aggregator *stats.Aggregator
	server     *httptest.Server
	token      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		clock: &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		log:   activity.NewMemoryLog(0, 0, 0),
		conns: transport.NewConns(),
		store: store.NewMemoryStore(),
	}
	ts.registry = presence.NewMemoryRegistry(30*time.Second, presence.WithClock(ts.clock.Now))
	ts.hub = fanout.NewHub(fanout.Config{QueueSize: 16, Now: ts.clock.Now})
	t.Cleanup(ts.hub.Close)

	ingester := ingest.NewIngester(ingest.Config{Now: ts.clock.Now}, ts.registry, ts.log, nil, ts.hub)
	controller := admin.NewController(admin.Config{Now: ts.clock.Now}, ts.registry, ts.log, nil, ts.hub, ts.conns)
	ts.aggregator = stats.NewAggregator(stats.AggregatorConfig{Now: ts.clock.Now}, ts.registry, ts.hub, nil)

	jwtService := auth.NewJWTService(testAdminSecret)
	token, err := jwtService.GenerateAdminToken("ops-1", time.Hour)
	require.NoError(t, err)
	ts.token = token

	mux := NewRouter(RouterConfig{
		Health:   NewHealthHandlers(HealthHandlersConfig{}),
		Sessions: NewSessionHandlers(ingester, ts.conns, WebSocketConfig{}, nil),
		Admin: NewAdminHandlers(AdminHandlersConfig{
			Sessions:   ts.registry,
			Events:     ts.log,
			Snapshots:  ts.aggregator,
			History:    ts.store,
			Controller: controller,
			Now:        ts.clock.Now,
		}),
		Dashboard:   NewDashboardHandlers(ts.hub, nil),
		AdminAuth:   middleware.RequireAdmin(jwtService),
		ServiceName: "livepresence",
		Version:     "test",
	})
	ts.server = httptest.NewServer(middleware.RequestID(mux))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http") + path
}

// do sends a request, authenticated as an operator when admin is set.
func (ts *testServer) do(t *testing.T, method, path, body string, admin bool) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, ts.server.URL+path, rdr)
	require.NoError(t, err)
	if admin {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (ts *testServer) kinds(t *testing.T, sessionID string) []activity.Kind {
	t.Helper()
	events, err := ts.log.ForSession(context.Background(), sessionID)
	require.NoError(t, err)
	out := make([]activity.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
