package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/escalation"
	"github.com/ashureev/handoffd/internal/handoff"
	"github.com/ashureev/handoffd/internal/identity"
	"github.com/ashureev/handoffd/internal/query"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testServer struct {
	repo  *store.MemoryStore
	clock *clock.FakeClock
	coord *handoff.Coordinator
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{repo: store.NewMemory(), clock: clock.Fake(t0)}
	ts.coord = handoff.New(ts.repo, handoff.Options{
		Clock: ts.clock,
		Rules: escalation.Static(escalation.Default()),
	})
	t.Cleanup(ts.coord.Stop)

	qs, err := query.NewService(ts.repo, ts.clock, 16)
	require.NoError(t, err)
	ts.coord.Subscribe(qs)

	r := chi.NewRouter()
	r.Use(identity.Middleware)
	NewHealthHandler(ts.repo).RegisterRoutes(r)
	NewSessionHandler(ts.coord, qs, ts.clock).RegisterRoutes(r)
	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, agentID, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if agentID != "" {
		req.Header.Set(identity.AgentIDHeader, agentID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func sessionField(t *testing.T, body map[string]interface{}, key string) interface{} {
	t.Helper()
	sess, ok := body["session"].(map[string]interface{})
	require.True(t, ok, "response has no session: %v", body)
	return sess[key]
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "", `{"role":"user","content":"hello there","user":{"nickname":"kim"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["seq"])
	assert.NotEmpty(t, body["id"])

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "", `{"role":"user","content":"I want a human please"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/sessions?status=pending_manual", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	ts.clock.Advance(30 * time.Second)
	resp, body = ts.do(t, http.MethodGet, "/api/sessions/s1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	esc := sessionField(t, body, "escalation").(map[string]interface{})
	assert.Equal(t, "human_requested", esc["reason"])
	assert.Equal(t, float64(30), esc["waiting_seconds"])
	assert.Len(t, sessionField(t, body, "messages"), 2)

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/takeover", "a1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "manual_live", sessionField(t, body, "status"))

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/takeover", "a2", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "a1", `{"role":"agent","content":"hi, Ada here"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/release", "a2", `{"reason":"resolved"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/release", "a1", `{"reason":"resolved"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", sessionField(t, body, "status"))

	resp, body = ts.do(t, http.MethodGet, "/api/sessions/s1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail := body["audit_trail"].([]interface{})
	var kinds []string
	for _, e := range trail {
		kinds = append(kinds, e.(map[string]interface{})["kind"].(string))
	}
	assert.Equal(t, []string{"session_created", "escalation_raised", "agent_takeover", "agent_message", "agent_release", "session_closed"}, kinds)
}

func TestAgentIdentityRequired(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/sessions/s1/takeover", "/api/sessions/s1/release"} {
		resp, body := ts.do(t, http.MethodPost, path, "", `{"reason":"done"}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Equal(t, "forbidden", body["code"], path)
	}
	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "", `{"role":"agent","content":"hi"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions/s1/takeover", "bad agent id!", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["code"])
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/sessions/ghost", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "", `{"role":"user","content":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/release", "a1", `{"reason":"resolved"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_state", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/escalate", "", `{"reason":"billing","severity":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/api/sessions?limit=ten", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/api/sessions?status=sleeping", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["code"])

	ts.repo.SetUnavailable(errors.New("partition"))
	resp, body = ts.do(t, http.MethodGet, "/api/sessions", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["code"])

	resp, _ = ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ts.repo.SetUnavailable(nil)
	resp, body = ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestEscalateAndCloseWithoutAgent(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "", `{"role":"user","content":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions/s1/escalate", "", `{"reason":"billing","details":"refund","severity":"high"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending_manual", sessionField(t, body, "status"))

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/s1/close", "", `{"reason":"spam"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", sessionField(t, body, "status"))

	detail, err := ts.repo.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	last := detail.Audit[len(detail.Audit)-1]
	assert.Equal(t, domain.AuditSessionClosed, last.Kind)
	assert.Equal(t, apiActor, last.Actor)
}

func TestConcurrentTakeoverOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/sessions/s1/messages", "", `{"role":"user","content":"get me a human"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	agents := []string{"a1", "a2", "a3", "a4"}
	codes := make([]int, len(agents))
	var wg sync.WaitGroup
	for i, id := range agents {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/sessions/s1/takeover", nil)
			req.Header.Set(identity.AgentIDHeader, id)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusConflict, c)
		}
	}
	assert.Equal(t, 1, ok)
}
