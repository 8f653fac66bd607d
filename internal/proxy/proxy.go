// Package proxy is a reverse proxy for chat completion backends that
// sanitizes generated content before it reaches a renderer.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/ratelimit"
	"github.com/coal/shieldwall/internal/sanitizer"
)

// ClientHeader names the caller for rate limiting when the header is
// trusted. Otherwise the remote host is used.
const ClientHeader = "X-Shieldwall-Client"

// Source is the content source reported for generated replies.
const Source = "agent.response"

const maxBodyBytes = 4 << 20

// GuardProxy is an HTTP reverse proxy with render hooks.
type GuardProxy struct {
	pipe    *pipeline.Pipeline
	backend *url.URL
	proxy   *httputil.ReverseProxy
	policy  *sanitizer.Policy
	logger  zerolog.Logger

	trustClientHeader bool
}

// Option configures a GuardProxy.
type Option func(*GuardProxy)

// WithTrustedClientHeader keys generation limits on ClientHeader. Use it only
// behind a proxy that sets the header itself.
func WithTrustedClientHeader(trust bool) Option {
	return func(gp *GuardProxy) { gp.trustClientHeader = trust }
}

// New creates a new GuardProxy.
func New(pipe *pipeline.Pipeline, backendURL string, logger zerolog.Logger, opts ...Option) (*GuardProxy, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	gp := &GuardProxy{
		pipe:    pipe,
		backend: target,
		policy:  pipe.DefaultPolicy(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(gp)
	}

	gp.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
		},
	}

	return gp, nil
}

// ServeHTTP handles incoming requests.
func (gp *GuardProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only chat completion endpoints carry content to sanitize
	if !isChatCompletionEndpoint(r.URL.Path) {
		gp.proxy.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	chatReq, err := ParseChatRequest(bodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	client := ClientID(r, gp.trustClientHeader)
	admit := gp.pipe.Admit(ratelimit.ActionGenerate, client)
	if !admit.Allowed {
		gp.logger.Warn().
			Str("client", client).
			Int64("retry_after", admit.RetryAfter).
			Msg("generation rate limited")

		w.Header().Set("Retry-After", strconv.FormatInt(admit.RetryAfter, 10))
		writeJSON(w, http.StatusTooManyRequests, MakeDenyResponse(
			"Too many requests. Please wait before trying again.",
			chatReq.Model,
			&Report{Verdict: "RATE_LIMITED", RetryAfter: admit.RetryAfter},
		))
		return
	}

	// Streamed replies cannot be sanitized as a whole
	if chatReq.Stream {
		if bodyBytes, err = disableStreaming(bodyBytes); err != nil {
			http.Error(w, "failed to rewrite request", http.StatusBadRequest)
			return
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	r.ContentLength = int64(len(bodyBytes))
	r.Header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
	r.Header.Del("Accept-Encoding")

	recorder := &responseRecorder{
		header: make(http.Header),
		body:   &bytes.Buffer{},
		code:   http.StatusOK,
	}
	gp.proxy.ServeHTTP(recorder, r)

	respBody := recorder.body.Bytes()
	chatResp, err := ParseChatResponse(respBody)
	if err != nil || len(chatResp.Choices) == 0 {
		// Errors and non-chat payloads carry no content to render
		gp.forward(w, recorder, respBody)
		return
	}

	choices, report := gp.renderChoices(chatResp.Choices)
	rewritten, err := rewriteChoices(respBody, choices, report)
	if err != nil {
		gp.logger.Error().Err(err).Msg("failed to rewrite backend response")
		http.Error(w, "failed to sanitize backend response", http.StatusBadGateway)
		return
	}

	gp.logger.Info().
		Str("client", client).
		Str("model", chatResp.Model).
		Str("verdict", report.Verdict).
		Int("choices", len(choices)).
		Msg("egress")

	gp.forward(w, recorder, rewritten)
}

// renderChoices runs every assistant message through the pipeline.
func (gp *GuardProxy) renderChoices(in []ChatChoice) ([]ChatChoice, *Report) {
	out := make([]ChatChoice, len(in))
	report := &Report{Verdict: "ALLOW"}

	for i, choice := range in {
		res := gp.pipe.Render(choice.Message.Content, Source, gp.policy)
		out[i] = choice
		if res.Blocked {
			out[i].Message.Content = res.DenyMessage
		} else {
			out[i].Message.Content = res.Output
		}

		report.Choices = append(report.Choices, ChoiceReport{
			Index:     choice.Index,
			RequestID: res.RequestID,
			Action:    string(res.Action),
			RuleName:  res.RuleName,
			Verdict:   res.Verdict(),
			Issues:    res.Issues,
		})
		report.Verdict = worse(report.Verdict, res.Verdict())
	}
	if len(report.Choices) == 1 {
		report.RequestID = report.Choices[0].RequestID
	}
	return out, report
}

var verdictRank = map[string]int{"ALLOW": 0, "SANITIZED": 1, "ESCAPE": 2, "DENY": 3}

func worse(a, b string) string {
	if verdictRank[b] > verdictRank[a] {
		return b
	}
	return a
}

func (gp *GuardProxy) forward(w http.ResponseWriter, rec *responseRecorder, body []byte) {
	for k, v := range rec.header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(rec.code)
	w.Write(body)
}

// Handler returns the proxy as an http.Handler.
func (gp *GuardProxy) Handler() http.Handler {
	return gp
}

// ClientID identifies the caller of r for rate limiting. ClientHeader is
// read only when trustHeader is set.
func ClientID(r *http.Request, trustHeader bool) string {
	if trustHeader {
		if id := strings.TrimSpace(r.Header.Get(ClientHeader)); id != "" {
			return id
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isChatCompletionEndpoint checks if the path matches known chat completion endpoints.
func isChatCompletionEndpoint(path string) bool {
	chatPaths := []string{
		"/v1/chat/completions",
		"/chat/completions",
	}
	for _, p := range chatPaths {
		if strings.HasSuffix(path, p) || path == p {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// responseRecorder captures an HTTP response for post-processing.
type responseRecorder struct {
	header http.Header
	body   *bytes.Buffer
	code   int
}

func (rr *responseRecorder) Header() http.Header {
	return rr.header
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	return rr.body.Write(b)
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.code = code
}
