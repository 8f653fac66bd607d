package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/policy"
	"github.com/coal/shieldwall/internal/ratelimit"
)

func TestParseChatRequest(t *testing.T) {
	body := `{
		"model": "llama3",
		"messages": [
			{"role": "system", "content": "You are a helpful assistant."},
			{"role": "user", "content": "Hello, how are you?"}
		],
		"stream": true
	}`

	req, err := ParseChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if req.Model != "llama3" {
		t.Errorf("expected model llama3, got %s", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	if !req.Stream {
		t.Error("expected stream flag")
	}
}

func TestMakeDenyResponse(t *testing.T) {
	resp := MakeDenyResponse("blocked", "test-model", &Report{Verdict: "DENY"})
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "blocked" {
		t.Errorf("unexpected content: %s", resp.Choices[0].Message.Content)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal raw: %v", err)
	}
	if _, ok := raw["_shieldwall"]; !ok {
		t.Error("expected _shieldwall key in JSON output")
	}
}

func TestDisableStreaming(t *testing.T) {
	out, err := disableStreaming([]byte(`{"model":"m","stream":true,"temperature":0.2}`))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(out, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["stream"] != false {
		t.Errorf("stream = %v, want false", raw["stream"])
	}
	if raw["temperature"] != 0.2 {
		t.Error("other fields must be preserved")
	}
}

func TestRewriteChoices_PreservesFields(t *testing.T) {
	backendResp := `{"id":"chatcmpl-123","object":"chat.completion","model":"llama3","usage":{"total_tokens":7},"choices":[{"index":0,"message":{"role":"assistant","content":"<b>x</b>"},"finish_reason":"stop"}]}`

	choices := []ChatChoice{{Index: 0, Message: ChatMessage{Role: "assistant", Content: "clean"}, FinishReason: "stop"}}
	out, err := rewriteChoices([]byte(backendResp), choices, &Report{Verdict: "SANITIZED"})
	if err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "usage", "choices", "_shieldwall"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing %q after rewrite", key)
		}
	}
	if !strings.Contains(string(raw["choices"]), "clean") {
		t.Errorf("choices not replaced: %s", raw["choices"])
	}
}

func TestIsChatCompletionEndpoint(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/v1/chat/completions", true},
		{"/chat/completions", true},
		{"/openai/v1/chat/completions", true},
		{"/v1/models", false},
		{"/health", false},
	}

	for _, tc := range tests {
		got := isChatCompletionEndpoint(tc.path)
		if got != tc.expected {
			t.Errorf("path %q: expected %v, got %v", tc.path, tc.expected, got)
		}
	}
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	if got := ClientID(r, true); got != "10.0.0.7" {
		t.Errorf("ClientID = %q, want remote host", got)
	}
	r.Header.Set(ClientHeader, "agent-42")
	if got := ClientID(r, false); got != "10.0.0.7" {
		t.Errorf("ClientID = %q, untrusted header must be ignored", got)
	}
	if got := ClientID(r, true); got != "agent-42" {
		t.Errorf("ClientID = %q, want header value", got)
	}
}

func newTestProxy(t *testing.T, backend http.HandlerFunc, pol *policy.Policy) (*httptest.Server, *monitor.Monitor) {
	t.Helper()
	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)

	mon := monitor.New()
	pipe := pipeline.New(pol, mon)
	gp, err := New(pipe, upstream.URL, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(gp.Handler())
	t.Cleanup(srv.Close)
	return srv, mon
}

func chatBackend(t *testing.T, content string, sawStream *bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("backend got invalid JSON: %v", err)
		}
		if sawStream != nil {
			*sawStream, _ = req["stream"].(bool)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "llama3",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}
}

func postChat(t *testing.T, url, body string) (*http.Response, *ChatCompletionResponse) {
	t.Helper()
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var chat ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, &chat
}

func TestProxy_SanitizesAssistantContent(t *testing.T) {
	stream := true
	srv, mon := newTestProxy(t,
		chatBackend(t, `<p>Here you go</p><script>alert(1)</script>`, &stream),
		policy.Default())

	resp, chat := postChat(t, srv.URL, `{"model":"llama3","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if stream {
		t.Error("backend should receive stream=false")
	}

	content := chat.Choices[0].Message.Content
	if strings.Contains(content, "<script") || !strings.Contains(content, "<p>Here you go</p>") {
		t.Errorf("unexpected content %q", content)
	}
	if chat.Report == nil || chat.Report.Verdict != "SANITIZED" {
		t.Fatalf("expected SANITIZED report, got %+v", chat.Report)
	}
	if len(chat.Report.Choices) != 1 || len(chat.Report.Choices[0].Issues) == 0 {
		t.Errorf("expected issues in report, got %+v", chat.Report.Choices)
	}

	typ := monitor.XSSAttempt
	if n := len(mon.Events(monitor.Filter{Type: &typ})); n != 1 {
		t.Errorf("expected 1 XSS event, got %d", n)
	}
}

func TestProxy_DeniedContentReplaced(t *testing.T) {
	pol := policy.Default()
	pol.ContentRules = []policy.ContentRule{{
		Name:        "deny_agent_iframes",
		Action:      policy.ActionDeny,
		DenyMessage: "[blocked]",
		Conditions: []policy.MatchCondition{
			{Field: "issues", MatchType: policy.MatchContains, Value: "iframe_tag"},
		},
	}}

	srv, _ := newTestProxy(t, chatBackend(t, `<iframe src="https://evil.example"></iframe>`, nil), pol)
	_, chat := postChat(t, srv.URL, `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)

	if chat.Choices[0].Message.Content != "[blocked]" {
		t.Errorf("expected deny message, got %q", chat.Choices[0].Message.Content)
	}
	if chat.Report.Verdict != "DENY" {
		t.Errorf("expected DENY verdict, got %s", chat.Report.Verdict)
	}
}

func TestProxy_RateLimitsGeneration(t *testing.T) {
	pol := policy.Default()
	pol.RateLimits[ratelimit.ActionGenerate] = policy.RateLimit{MaxRequests: 1, WindowMS: 60000}

	calls := 0
	backend := chatBackend(t, "ok", nil)
	srv, mon := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		backend(w, r)
	}, pol)

	body := `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`
	if resp, _ := postChat(t, srv.URL, body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status %d", resp.StatusCode)
	}
	resp, chat := postChat(t, srv.URL, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if chat.Report == nil || chat.Report.Verdict != "RATE_LIMITED" {
		t.Errorf("unexpected report %+v", chat.Report)
	}
	if calls != 1 {
		t.Errorf("backend called %d times, want 1", calls)
	}

	typ := monitor.RateLimitExceeded
	if n := len(mon.Events(monitor.Filter{Type: &typ})); n != 1 {
		t.Errorf("expected 1 rate limit event, got %d", n)
	}
}

func TestProxy_PassThrough(t *testing.T) {
	srv, _ := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":["llama3"]}`))
	}, policy.Default())

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"data":["llama3"]}` {
		t.Errorf("unexpected body %q", body)
	}
}

func TestProxy_RotatingClientHeaderDoesNotEvadeLimit(t *testing.T) {
	pol := policy.Default()
	pol.RateLimits[ratelimit.ActionGenerate] = policy.RateLimit{MaxRequests: 1, WindowMS: 60000}
	srv, _ := newTestProxy(t, chatBackend(t, "ok", nil), pol)

	body := `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ClientHeader, "agent-"+string(rune('a'+i)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 429 429]", codes)
	}
}
