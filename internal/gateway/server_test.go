package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/auth"
	"github.com/haasonsaas/fingate/internal/config"
	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/tools/finance"
	"github.com/haasonsaas/fingate/pkg/models"
)

// scriptedModel replays one scripted response per Complete call.
type scriptedModel struct {
	mu        sync.Mutex
	responses [][]*agent.CompletionChunk
}

func (m *scriptedModel) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	m.mu.Lock()
	script := []*agent.CompletionChunk{{Text: "ok"}}
	if len(m.responses) > 0 {
		script = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	ch := make(chan *agent.CompletionChunk, len(script)+1)
	for _, chunk := range script {
		ch <- chunk
	}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Name() string          { return "scripted" }
func (m *scriptedModel) Models() []agent.Model { return nil }
func (m *scriptedModel) SupportsTools() bool   { return true }

func netWorthScript() [][]*agent.CompletionChunk {
	return [][]*agent.CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: finance.GetNetWorth, Input: json.RawMessage(`{}`)}}},
		{{Text: "Your net worth is available."}},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	s, err := NewServer(cfg, observability.DiscardLogger(), opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Stop(context.Background())
	})
	return s, ts
}

func do(t *testing.T, ts *httptest.Server, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(auth.UserIDHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)
	status, body := do(t, ts, http.MethodGet, "/healthz", "", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" || body["provider"] != config.ProviderModeSandbox {
		t.Errorf("body = %v", body)
	}
	if body["chat"] != false {
		t.Errorf("chat = %v, want false without a model key", body["chat"])
	}
	for _, key := range []string{"locked_users", "passcode_counters"} {
		if body[key] != float64(0) {
			t.Errorf("%s = %v, want 0 on an idle server", key, body[key])
		}
	}
}

// rejectingTransport is the sandbox with every passcode refused.
type rejectingTransport struct {
	*provider.SandboxTransport
}

func (rejectingTransport) Verify(context.Context, string, string, string) (string, error) {
	return "", &provider.RemoteError{StatusCode: 200, Code: 400, Message: "incorrect passcode"}
}

func TestHealthzCountsPasscodeAttempts(t *testing.T) {
	_, ts := newTestServer(t, nil, WithTransport(rejectingTransport{provider.NewSandboxTransport("")}))
	if status, body := do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `{"phoneNumber":"+15551234567"}`); status != http.StatusOK {
		t.Fatalf("initiate: status=%d body=%v", status, body)
	}
	if status, _ := do(t, ts, http.MethodPost, "/api/auth/complete", "alice", `{"passcode":"123456"}`); status == http.StatusOK {
		t.Fatal("rejected passcode completed the login")
	}
	_, body := do(t, ts, http.MethodGet, "/healthz", "", "")
	if body["sessions"] != float64(1) || body["passcode_counters"] != float64(1) {
		t.Errorf("body = %v, want one pending session with one counted attempt", body)
	}
	if body["locked_users"] != float64(0) {
		t.Errorf("locked_users = %v after the request finished", body["locked_users"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("response has no request id")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q, want echoed", got)
	}
}

func TestRequiresIdentity(t *testing.T) {
	_, ts := newTestServer(t, nil)
	status, body := do(t, ts, http.MethodGet, "/api/auth/status", "", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if errorCode(body) != "unauthenticated" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthenticationFlowUnlocksData(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := do(t, ts, http.MethodPost, "/api/tools/"+finance.GetNetWorth, "alice", "")
	if status != http.StatusUnauthorized || errorCode(body) != "authentication_required" {
		t.Fatalf("before auth: status=%d body=%v", status, body)
	}

	status, body = do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `{"phoneNumber":"+15551234567"}`)
	if status != http.StatusOK {
		t.Fatalf("initiate: status=%d body=%v", status, body)
	}
	data, _ := body["data"].(map[string]any)
	if url, _ := data["loginUrl"].(string); !strings.Contains(url, "sessionId=") {
		t.Errorf("loginUrl = %q", url)
	}

	status, body = do(t, ts, http.MethodGet, "/api/auth/status", "alice", "")
	if status != http.StatusOK {
		t.Fatalf("status: %d", status)
	}
	if data, _ := body["data"].(map[string]any); data["authenticated"] != false {
		t.Errorf("pending session reported authenticated: %v", data)
	}

	status, body = do(t, ts, http.MethodPost, "/api/auth/complete", "alice", `{"passcode":"000000"}`)
	if status != http.StatusOK {
		t.Fatalf("complete: status=%d body=%v", status, body)
	}

	status, body = do(t, ts, http.MethodPost, "/api/tools/"+finance.GetNetWorth, "alice", "")
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("after auth: status=%d body=%v", status, body)
	}

	// Sessions are per user.
	status, _ = do(t, ts, http.MethodPost, "/api/tools/"+finance.GetNetWorth, "bob", "")
	if status != http.StatusUnauthorized {
		t.Errorf("other user: status=%d, want 401", status)
	}

	status, _ = do(t, ts, http.MethodPost, "/api/auth/disconnect", "alice", "")
	if status != http.StatusOK {
		t.Fatalf("disconnect: %d", status)
	}
	status, _ = do(t, ts, http.MethodPost, "/api/tools/"+finance.GetNetWorth, "alice", "")
	if status != http.StatusUnauthorized {
		t.Errorf("after disconnect: status=%d, want 401", status)
	}
}

func TestCompleteWithoutPendingSession(t *testing.T) {
	_, ts := newTestServer(t, nil)
	status, body := do(t, ts, http.MethodPost, "/api/auth/complete", "carol", `{"passcode":"000000"}`)
	if status != http.StatusConflict || errorCode(body) != "no_pending_session" {
		t.Errorf("status=%d body=%v", status, body)
	}
}

func TestToolErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := do(t, ts, http.MethodPost, "/api/tools/launchRockets", "alice", "")
	if status != http.StatusNotFound || errorCode(body) != "unknown_function" {
		t.Errorf("unknown tool: status=%d body=%v", status, body)
	}

	status, body = do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `{"phoneNumber":"+1555","userId":"mallory"}`)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_input" {
		t.Errorf("foreign userId: status=%d body=%v", status, body)
	}

	status, body = do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `not json`)
	if status != http.StatusBadRequest {
		t.Errorf("bad json: status=%d body=%v", status, body)
	}
}

func TestBodyTooLarge(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxBodyBytes = 16
	_, ts := newTestServer(t, cfg)
	status, _ := do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `{"phoneNumber":"+15551234567"}`)
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", status)
	}
}

func TestListTools(t *testing.T) {
	_, ts := newTestServer(t, nil)
	status, body := do(t, ts, http.MethodGet, "/api/tools", "alice", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != len(finance.All()) {
		t.Fatalf("tools = %d, want %d", len(tools), len(finance.All()))
	}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		if tool["name"] == finance.InitiateAuthentication && tool["requiresAuth"] != false {
			t.Error("initiateAuthentication marked as requiring auth")
		}
		if tool["name"] == finance.GetNetWorth && tool["requiresAuth"] != true {
			t.Error("getNetWorth not marked as requiring auth")
		}
	}
}

func TestChatUnavailableWithoutModel(t *testing.T) {
	_, ts := newTestServer(t, nil)
	status, body := do(t, ts, http.MethodPost, "/api/chat", "alice", `{"message":"hi"}`)
	if status != http.StatusServiceUnavailable || errorCode(body) != "chat_unavailable" {
		t.Errorf("status=%d body=%v", status, body)
	}
}

func TestChatRunsTools(t *testing.T) {
	model := &scriptedModel{responses: netWorthScript()}
	_, ts := newTestServer(t, nil, WithLLMProvider(model))

	status, body := do(t, ts, http.MethodPost, "/api/chat", "alice", `{"message":"what is my net worth?"}`)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%v", status, body)
	}
	if body["reply"] != "Your net worth is available." {
		t.Errorf("reply = %v", body["reply"])
	}
	if body["iterations"] != float64(2) {
		t.Errorf("iterations = %v", body["iterations"])
	}

	// The tool result the model saw tells it to authenticate first.
	messages, _ := body["messages"].([]any)
	var sawAuthRequired bool
	for _, raw := range messages {
		msg := raw.(map[string]any)
		results, _ := msg["tool_results"].([]any)
		for _, r := range results {
			if content, _ := r.(map[string]any)["content"].(string); strings.Contains(content, "authentication_required") {
				sawAuthRequired = true
			}
		}
	}
	if !sawAuthRequired {
		t.Errorf("no authentication_required tool result in %v", messages)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	_, ts := newTestServer(t, nil, WithLLMProvider(&scriptedModel{}))
	status, body := do(t, ts, http.MethodPost, "/api/chat", "alice", `{"message":"   "}`)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_input" {
		t.Errorf("status=%d body=%v", status, body)
	}
}

func TestAuthEndpointsRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Auth.RequestsPerSecond = 0.001
	cfg.RateLimit.Auth.BurstSize = 2
	_, ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		if status, body := do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `{"phoneNumber":"+15551234567"}`); status != http.StatusOK {
			t.Fatalf("request %d: status=%d body=%v", i, status, body)
		}
	}
	status, body := do(t, ts, http.MethodPost, "/api/auth/initiate", "alice", `{"phoneNumber":"+15551234567"}`)
	if status != http.StatusTooManyRequests || errorCode(body) != "rate_limited" {
		t.Errorf("status=%d body=%v", status, body)
	}

	// Another user has their own bucket.
	if status, _ := do(t, ts, http.MethodPost, "/api/auth/initiate", "bob", `{"phoneNumber":"+15551234567"}`); status != http.StatusOK {
		t.Errorf("other user: status=%d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	do(t, ts, http.MethodGet, "/healthz", "", "")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	text := string(raw)
	for _, want := range []string{"fingate_http_requests_total", `path="GET /healthz"`, "go_goroutines"} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestSandboxLoginPage(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/sandbox/login?sessionId=abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "abc") {
		t.Errorf("status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestJWTAuthentication(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret-that-is-long-enough"
	s, ts := newTestServer(t, cfg)

	// The header is not trusted once auth is configured.
	if status, _ := do(t, ts, http.MethodGet, "/api/auth/status", "alice", ""); status != http.StatusUnauthorized {
		t.Fatalf("header only: status=%d, want 401", status)
	}

	token, err := s.Auth().GenerateJWT(&auth.Identity{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/auth/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer: status=%d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(auth.UserIDHeader, user)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketChat(t *testing.T) {
	model := &scriptedModel{responses: netWorthScript()}
	_, ts := newTestServer(t, nil, WithLLMProvider(model))
	conn := dialWS(t, ts, "alice")

	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "1", "method": "ping"}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != "res" || frame.ID != "1" || frame.OK == nil || !*frame.OK {
		t.Fatalf("ping response = %+v", frame)
	}

	if err := conn.WriteJSON(map[string]any{
		"type": "req", "id": "2", "method": "chat.send",
		"params": map[string]string{"content": "what is my net worth?"},
	}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.ID != "2" || frame.OK == nil || !*frame.OK {
		t.Fatalf("chat.send ack = %+v", frame)
	}

	var chunks int
	for {
		frame := readFrame(t, conn)
		if frame.Type != "event" {
			t.Fatalf("unexpected frame %+v", frame)
		}
		if frame.Event == "chat.chunk" {
			chunks++
			continue
		}
		if frame.Event != "chat.done" {
			t.Fatalf("event = %q, payload %v", frame.Event, frame.Payload)
		}
		payload, _ := frame.Payload.(map[string]any)
		if payload["reply"] != "Your net worth is available." {
			t.Errorf("done payload = %v", payload)
		}
		break
	}
	// tool call, tool result, text
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
}

func TestWebSocketUnknownMethod(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts, "alice")

	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "x", "method": "nope"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.OK == nil || *frame.OK || frame.Error == nil || frame.Error.Code != "unknown_method" {
		t.Errorf("frame = %+v", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "y", "method": "chat.send", "params": map[string]string{"content": "hi"}}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, conn)
	if frame.Error == nil || frame.Error.Code != "chat_unavailable" {
		t.Errorf("chat without model = %+v", frame)
	}
}

func TestWebSocketToolCall(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts, "alice")

	if err := conn.WriteJSON(map[string]any{
		"type": "req", "id": "t1", "method": "tools.call",
		"params": map[string]any{"name": finance.CheckAuthenticationStatus},
	}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.OK == nil || !*frame.OK {
		t.Fatalf("frame = %+v", frame)
	}
	payload, _ := frame.Payload.(map[string]any)
	if payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.HTTPPort = 0
	s, err := NewServer(cfg, observability.DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
