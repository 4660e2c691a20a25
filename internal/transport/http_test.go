package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RobinCoderZhao/toolgate/internal/auth"
	"github.com/RobinCoderZhao/toolgate/internal/dispatch"
	"github.com/RobinCoderZhao/toolgate/internal/lifecycle"
	"github.com/RobinCoderZhao/toolgate/internal/ratelimit"
	"github.com/RobinCoderZhao/toolgate/internal/tools"
	"github.com/RobinCoderZhao/toolgate/internal/transport"
	"github.com/RobinCoderZhao/toolgate/pkg/storage"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

var testSecret = []byte("http-test-secret")

type env struct {
	ts   *httptest.Server
	gate *auth.Gate
}

func newEnv(t *testing.T, cfg transport.HTTPConfig) *env {
	return newEnvWith(t, cfg)
}

func newEnvWith(t *testing.T, cfg transport.HTTPConfig, extra ...toolkit.Handler) *env {
	t.Helper()

	store, err := storage.Connect(storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "http.db"),
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := toolkit.NewRegistry(nil)
	if err := registry.Register(tools.NewExampleTool(store)); err != nil {
		t.Fatal(err)
	}
	for _, h := range extra {
		if err := registry.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	gate := auth.NewGate(testSecret, []string{"list_items", "get_data"})
	limiter := ratelimit.New(time.Minute, 1000)
	tracker := lifecycle.NewTracker()
	if err := tracker.Transition(lifecycle.StateStarting); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Transition(lifecycle.StateRunning); err != nil {
		t.Fatal(err)
	}

	dispatcher := dispatch.New(registry, gate, limiter, tracker, 5*time.Second, nil)
	srv := transport.NewHTTPServer(cfg, registry, dispatcher, gate, tracker,
		toolkit.ServerInfo{Name: "toolgate-test", Version: "0.0.1"}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, gate: gate}
}

func (e *env) token(t *testing.T) string {
	t.Helper()
	token, err := e.gate.IssueToken("tester", "admin", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return resp, decoded
}

func TestHTTP_HealthNoAuth(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodGet, "/mcp/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (health must never require auth)", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy (checks: %v)", body["status"], body["checks"])
	}
}

func TestHTTP_Info(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodGet, "/mcp/info", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["name"] != "toolgate-test" {
		t.Errorf("name = %v", body["name"])
	}
	if _, ok := body["endpoints"].(map[string]any); !ok {
		t.Error("info must include the endpoint map")
	}
}

func TestHTTP_RPCUnknownMethod(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodPost, "/mcp/rpc", e.token(t),
		map[string]any{"jsonrpc": "2.0", "method": "unknown/method", "id": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	rpcErr, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("body = %v, want error object", body)
	}
	if rpcErr["code"] != float64(-32601) {
		t.Fatalf("error.code = %v, want -32601", rpcErr["code"])
	}
}

func TestHTTP_RPCRequiresAuth(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodPost, "/mcp/rpc", "",
		map[string]any{"jsonrpc": "2.0", "method": "tools/list", "id": 1})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body["error"] != "missing credential" {
		t.Errorf("error = %v, want missing credential", body["error"])
	}
	meta, ok := body["metadata"].(map[string]any)
	if !ok {
		t.Fatal("failure responses must carry metadata")
	}
	if rid, _ := meta["requestId"].(string); rid == "" {
		t.Error("failure responses must carry a requestId")
	}
}

func TestHTTP_RPCToolsFlow(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})
	token := e.token(t)

	resp, body := e.do(t, http.MethodPost, "/mcp/rpc", token,
		map[string]any{"jsonrpc": "2.0", "method": "tools/list", "id": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/list status = %d", resp.StatusCode)
	}
	result := body["result"].(map[string]any)
	list := result["tools"].([]any)
	if len(list) != 1 {
		t.Fatalf("tools/list returned %d tools, want 1", len(list))
	}

	resp, body = e.do(t, http.MethodPost, "/mcp/rpc", token, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"id":      2,
		"params": map[string]any{
			"name":      "example",
			"arguments": map[string]any{"action": "list_items"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/call status = %d", resp.StatusCode)
	}
	envelope := body["result"].(map[string]any)
	if envelope["success"] != true {
		t.Fatalf("tools/call envelope = %v", envelope)
	}
}

func TestHTTP_RPCToolCallFailure(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodPost, "/mcp/rpc", e.token(t), map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"id":      3,
		"params": map[string]any{
			"name":      "ghost",
			"arguments": map[string]any{"action": "run"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	rpcErr, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("body = %v, want error object for a failed dispatch", body)
	}
	if rpcErr["code"] != float64(-32601) {
		t.Fatalf("error.code = %v, want -32601 for an unknown tool", rpcErr["code"])
	}
	envelope, ok := rpcErr["data"].(map[string]any)
	if !ok {
		t.Fatal("error.data must carry the failure envelope")
	}
	if envelope["success"] != false {
		t.Errorf("envelope success = %v, want false", envelope["success"])
	}
	meta, _ := envelope["metadata"].(map[string]any)
	if rid, _ := meta["requestId"].(string); rid == "" {
		t.Error("failure envelope must carry a requestId")
	}
}

func TestHTTP_ToolListEmptyStore(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodPost, "/mcp/tools/example", e.token(t),
		map[string]any{"action": "list_items"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success = %v, error = %v", body["success"], body["error"])
	}
	data := body["data"].(map[string]any)
	if data["count"] != float64(0) {
		t.Errorf("count = %v, want 0", data["count"])
	}
	items, ok := data["items"].([]any)
	if !ok || len(items) != 0 {
		t.Errorf("items = %v, want []", data["items"])
	}
}

func TestHTTP_ToolCreateThenGet(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})
	token := e.token(t)

	resp, body := e.do(t, http.MethodPost, "/mcp/tools/example", token, map[string]any{
		"action": "create_item",
		"data":   map[string]any{"name": "Test"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Fatalf("create failed: %v", body["error"])
	}
	id, _ := body["data"].(map[string]any)["id"].(string)
	if id == "" {
		t.Fatal("create_item must return a generated id")
	}

	resp, body = e.do(t, http.MethodPost, "/mcp/tools/example", token,
		map[string]any{"action": "get_data", "id": id})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got := body["data"].(map[string]any)["name"]; got != "Test" {
		t.Fatalf("name = %v, want Test", got)
	}
}

func TestHTTP_ToolAuthRequired(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, _ := e.do(t, http.MethodPost, "/mcp/tools/example", "",
		map[string]any{"action": "create_item", "data": map[string]any{"name": "x"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for private action without credential", resp.StatusCode)
	}
}

func TestHTTP_PublicActionViaGet(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodGet, "/mcp/tools/example?action=list_items", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for public action without credential", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success = %v, error = %v", body["success"], body["error"])
	}
}

func TestHTTP_UnknownTool(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, body := e.do(t, http.MethodPost, "/mcp/tools/ghost", e.token(t),
		map[string]any{"action": "run"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	data, _ := body["data"].(map[string]any)
	names, _ := data["availableTools"].([]any)
	found := false
	for _, n := range names {
		if n == "example" {
			found = true
		}
	}
	if !found {
		t.Fatalf("availableTools = %v, want registered names", names)
	}
}

func TestHTTP_MalformedJSON(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/mcp/tools/example",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token(t))
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
}

func TestHTTP_ToolsListing(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	resp, _ := e.do(t, http.MethodGet, "/mcp/tools", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated listing status = %d, want 401", resp.StatusCode)
	}

	resp, body := e.do(t, http.MethodGet, "/mcp/tools", e.token(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	list, ok := body["tools"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("tools = %v, want the example tool", body["tools"])
	}
	summary := list[0].(map[string]any)
	if summary["name"] != "example" {
		t.Errorf("name = %v", summary["name"])
	}
	if _, ok := summary["inputSchema"]; !ok {
		t.Error("listing must include the declared schema")
	}
}

func TestHTTP_SideChannelHeaderPrecedence(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	// Valid token in the side-channel header, garbage in Authorization: the
	// side channel must win.
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/mcp/tools/example",
		strings.NewReader(`{"action":"create_item","data":{"name":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(auth.TokenHeader, e.token(t))
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 when side-channel token is valid", resp.StatusCode)
	}
}

type sleeperTool struct {
	toolkit.BaseTool
	d time.Duration
}

func (s *sleeperTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	select {
	case <-time.After(s.d):
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestHTTP_TimeoutGuard(t *testing.T) {
	slow := &sleeperTool{
		BaseTool: toolkit.BaseTool{
			ToolName:        "slow",
			ToolDescription: "sleeps past the response guard",
			ToolSchema:      map[string]any{"type": "object"},
		},
		d: 2 * time.Second,
	}
	e := newEnvWith(t, transport.HTTPConfig{RequestTimeout: 150 * time.Millisecond}, slow)

	start := time.Now()
	resp, _ := e.do(t, http.MethodPost, "/mcp/tools/slow", e.token(t),
		map[string]any{"action": "list_items"})
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408 when no response by the guard deadline", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("guard answered after %v, must fire near 150ms", elapsed)
	}

	// Fast requests pass through the guard untouched.
	resp, _ = e.do(t, http.MethodGet, "/mcp/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fast request must not trip the guard, status = %d", resp.StatusCode)
	}
}

type laggardTool struct {
	toolkit.BaseTool
	d time.Duration
}

// Execute ignores ctx so the handler keeps running and writes its response
// after the guard has already answered.
func (l *laggardTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	time.Sleep(l.d)
	return "late", nil
}

func TestHTTP_TimeoutGuardDiscardsLateResponse(t *testing.T) {
	laggard := &laggardTool{
		BaseTool: toolkit.BaseTool{
			ToolName:        "laggard",
			ToolDescription: "finishes after the guard has answered",
			ToolSchema:      map[string]any{"type": "object"},
		},
		d: 200 * time.Millisecond,
	}
	e := newEnvWith(t, transport.HTTPConfig{RequestTimeout: 50 * time.Millisecond}, laggard)
	token := e.token(t)

	resp, body := e.do(t, http.MethodPost, "/mcp/tools/laggard", token,
		map[string]any{"action": "run"})
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
	if body["error"] != "request timeout" {
		t.Errorf("error = %v, want request timeout", body["error"])
	}

	// Let the abandoned handler finish and attempt its write, then reuse the
	// connection: the late response must have been discarded without touching
	// connection state.
	time.Sleep(300 * time.Millisecond)
	resp, body = e.do(t, http.MethodGet, "/mcp/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("follow-up body = %v, late write must not leak into it", body)
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{})

	req, err := http.NewRequest(http.MethodOptions, e.ts.URL+"/mcp/tools", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS headers")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), auth.TokenHeader) {
		t.Errorf("allow-headers = %q, must include %s", resp.Header.Get("Access-Control-Allow-Headers"), auth.TokenHeader)
	}
}

func TestHTTP_BodyLimit(t *testing.T) {
	e := newEnv(t, transport.HTTPConfig{MaxBodyBytes: 256})

	huge := fmt.Sprintf(`{"action":"create_item","data":{"name":%q}}`, strings.Repeat("x", 10_000))
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/mcp/tools/example", strings.NewReader(huge))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token(t))
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized body", resp.StatusCode)
	}
}
