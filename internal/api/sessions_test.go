package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/repo-ranger/internal/agent"
	"github.com/ashureev/repo-ranger/internal/domain"
	"github.com/ashureev/repo-ranger/internal/events"
	"github.com/ashureev/repo-ranger/internal/gateway"
	"github.com/ashureev/repo-ranger/internal/middleware"
	"github.com/ashureev/repo-ranger/internal/pipeline"
	"github.com/ashureev/repo-ranger/internal/prompt"
	"github.com/ashureev/repo-ranger/internal/sandbox"
	"github.com/ashureev/repo-ranger/internal/store"
	"github.com/go-chi/chi/v5"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testServer struct {
	*httptest.Server
	analyst   *agent.Scripted
	developer *agent.Scripted
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()

	root, err := sandbox.CheckRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	instr, err := prompt.LoadInstructions("")
	if err != nil {
		t.Fatal(err)
	}
	analyst := agent.NewScripted("analyst")
	developer := agent.NewScripted("developer")
	sessions := store.NewMemory()
	hub := events.NewHub(16, quiet())

	p, err := pipeline.New(pipeline.Deps{
		Sessions:    sessions,
		Injector:    prompt.NewInjector(instr, 4, 0),
		Agents:      agent.NewService(analyst, developer, 5*time.Second, quiet()),
		Gateway:     gateway.New(64, quiet()),
		SandboxRoot: root,
		Hub:         hub,
		Logger:      quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	var limit func(http.Handler) http.Handler
	if limiter != nil {
		limit = limiter.Middleware
	}
	NewSessionHandler(p, events.NewWebSocketHandler(hub, nil)).RegisterRoutes(r, limit)
	NewHealthHandler(store.NopAudit{}, sessions).RegisterHealth(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, analyst: analyst, developer: developer}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	} else {
		out = map[string]any{"raw": string(raw)}
	}
	return resp, out
}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", body)
	}
	return id
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	id := srv.createSession(t)

	srv.analyst.Push(agent.Step{Reply: agent.ToolCallRequest{
		Name: domain.ToolSubmitAudit,
		Args: map[string]any{"target_file": "app.py", "report": "eval() on user input"},
	}})
	resp, body := srv.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "audit"})
	if resp.StatusCode != http.StatusOK || body["pipeline_state"] != string(domain.StateAnalyzed) {
		t.Fatalf("analysis: %d %v", resp.StatusCode, body)
	}

	// Oversized content is rejected by the gateway: 422 with the packaged result.
	srv.developer.Push(agent.Step{Reply: agent.ToolCallRequest{
		Name: domain.ToolWriteFile,
		Args: map[string]any{"path": "app.py", "content": strings.Repeat("x", 65)},
	}})
	resp, body = srv.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "fix"})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["reason"] != domain.ReasonContentTooLarge {
		t.Fatalf("rejection: %d %v", resp.StatusCode, body)
	}
	result, _ := body["result"].(map[string]any)
	if result["pipeline_state"] != string(domain.StateAnalyzed) {
		t.Fatalf("rejection result: %v", body["result"])
	}

	srv.developer.Push(agent.Step{Reply: agent.ToolCallRequest{
		Name: domain.ToolWriteFile,
		Args: map[string]any{"path": "app.py", "content": "print('safe')\n"},
	}})
	resp, body = srv.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "fix again"})
	if resp.StatusCode != http.StatusOK || body["pipeline_state"] != string(domain.StateDone) {
		t.Fatalf("refactor: %d %v", resp.StatusCode, body)
	}
	ref, _ := body["artifact_ref"].(string)
	inv, _ := body["invocation"].(map[string]any)
	if inv == nil || inv["result"] != "accepted" {
		t.Fatalf("invocation: %v", body["invocation"])
	}
	if _, ok := inv["resolved_path"]; ok {
		t.Errorf("invocation exposes the host path: %v", inv)
	}

	resp, body = srv.do(t, http.MethodGet, "/api/artifacts/"+ref, nil)
	if resp.StatusCode != http.StatusOK || body["raw"] != "print('safe')\n" {
		t.Fatalf("artifact: %d %v", resp.StatusCode, body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `filename="app.py"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}

	resp, body = srv.do(t, http.MethodGet, "/api/sessions/"+id+"/history", nil)
	turns, _ := body["turns"].([]any)
	if resp.StatusCode != http.StatusOK || len(turns) != 6 {
		t.Fatalf("history: %d, %d turns", resp.StatusCode, len(turns))
	}
	for _, raw := range turns {
		turn, _ := raw.(map[string]any)
		if inv, ok := turn["invocation"].(map[string]any); ok {
			if _, leaked := inv["resolved_path"]; leaked {
				t.Errorf("history exposes the host path: %v", inv)
			}
		}
	}

	resp, body = srv.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK || body["pipeline_state"] != string(domain.StateDone) {
		t.Fatalf("session: %d %v", resp.StatusCode, body)
	}

	resp, body = srv.do(t, http.MethodGet, "/api/sessions/"+id+"/invocations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invocations: %d %v", resp.StatusCode, body)
	}
}

func TestErrorsOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	id := srv.createSession(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{"unknown artifact", http.MethodGet, "/api/artifacts/nope", nil, http.StatusNotFound},
		{"malformed body", http.MethodPost, "/api/sessions/" + id + "/messages", map[string]any{"text": 5}, http.StatusBadRequest},
		{"unknown intent", http.MethodPost, "/api/sessions/" + id + "/messages", messageRequest{Text: "x", Intent: "ship"}, http.StatusUnprocessableEntity},
		{"refactor before analysis", http.MethodPost, "/api/sessions/" + id + "/messages", messageRequest{Text: "x", Intent: "refactor"}, http.StatusUnprocessableEntity},
		{"ingest disabled", http.MethodPost, "/api/sessions/" + id + "/ingest", ingestRequest{Source: "x"}, http.StatusUnprocessableEntity},
		{"stream unknown session", http.MethodGet, "/ws/sessions/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := srv.do(t, tt.method, tt.path, tt.body)
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status %d, want %d (%v)", tt.name, resp.StatusCode, tt.status, body)
		}
	}

	// An upstream failure maps to 502.
	srv.analyst.Push(agent.Step{Err: io.ErrUnexpectedEOF})
	resp, body := srv.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "audit"})
	if resp.StatusCode != http.StatusBadGateway || body["error"] != "upstream_failed" {
		t.Fatalf("upstream: %d %v", resp.StatusCode, body)
	}
}

func TestMessagesAreRateLimited(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, middleware.NewRateLimiter(1, time.Minute))
	id := srv.createSession(t)

	srv.analyst.Push(agent.Step{Reply: agent.PlainText{Text: "Target file: a.py"}})
	if resp, _ := srv.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "audit"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first message: %d", resp.StatusCode)
	}
	resp, body := srv.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "again"})
	if resp.StatusCode != http.StatusTooManyRequests || body["error"] != "rate_limited" {
		t.Fatalf("second message: %d %v", resp.StatusCode, body)
	}
	// Reads are not limited.
	if resp, _ := srv.do(t, http.MethodGet, "/api/sessions/"+id, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("read was limited: %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	srv.createSession(t)
	resp, body := srv.do(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" || body["sessions"] != float64(1) {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}
