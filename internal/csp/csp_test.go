package csp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coal/shieldwall/internal/monitor"
)

type loggedViolation struct {
	directive string
	severity  monitor.Severity
	details   monitor.Details
}

type recordingLogger struct {
	mu     sync.Mutex
	logged []loggedViolation
}

func (l *recordingLogger) LogCSPViolation(directive string, severity monitor.Severity, details monitor.Details) {
	l.mu.Lock()
	l.logged = append(l.logged, loggedViolation{directive, severity, details})
	l.mu.Unlock()
}

type recordingDeliverer struct {
	mu     sync.Mutex
	types  []string
	bodies [][]byte
	err    error
}

func (d *recordingDeliverer) Post(_ context.Context, contentType string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types = append(d.types, contentType)
	d.bodies = append(d.bodies, body)
	return d.err
}

func scriptViolation() Violation {
	return Violation{
		DocumentURI:        "https://app.example/chat",
		ViolatedDirective:  "script-src-elem 'self'",
		EffectiveDirective: "script-src-elem",
		OriginalPolicy:     "default-src 'self'",
		BlockedURI:         "https://evil.example/x.js",
		Disposition:        "enforce",
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		directive string
		want      monitor.Severity
	}{
		{"script-src", monitor.High},
		{"script-src-elem", monitor.High},
		{"script-src-attr", monitor.High},
		{"object-src", monitor.High},
		{"base-uri", monitor.High},
		{"style-src", monitor.Medium},
		{"style-src-attr", monitor.Medium},
		{"img-src", monitor.Medium},
		{"connect-src", monitor.Medium},
		{"font-src", monitor.Low},
		{"frame-ancestors", monitor.Low},
		{"", monitor.Low},
		{"SCRIPT-SRC", monitor.High},
	}
	for _, tc := range tests {
		if got := Classify(tc.directive); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.directive, got, tc.want)
		}
	}
}

func TestKnownFamily(t *testing.T) {
	tests := []struct {
		directive string
		want      string
	}{
		{"script-src-elem", "script-src"},
		{"Style-Src-Attr", "style-src"},
		{"frame-ancestors", "frame-ancestors"},
		{"trusted-types", "trusted-types"},
		{"img-src-foo", OtherFamily},
		{"x-" + strings.Repeat("a", 200), OtherFamily},
		{"", OtherFamily},
	}
	for _, tc := range tests {
		if got := KnownFamily(tc.directive); got != tc.want {
			t.Errorf("KnownFamily(%q) = %q, want %q", tc.directive, got, tc.want)
		}
	}
}

func TestViolation_Directive(t *testing.T) {
	v := Violation{ViolatedDirective: "img-src https://cdn.example"}
	if got := v.Directive(); got != "img-src" {
		t.Errorf("expected img-src from violated directive, got %q", got)
	}
	v.EffectiveDirective = "img-src"
	if got := v.Directive(); got != "img-src" {
		t.Errorf("expected effective directive, got %q", got)
	}
}

func TestViolation_Validate(t *testing.T) {
	if err := scriptViolation().Validate(); err != nil {
		t.Errorf("expected valid violation, got %v", err)
	}

	missingDoc := scriptViolation()
	missingDoc.DocumentURI = ""
	if err := missingDoc.Validate(); err == nil {
		t.Error("expected error without document-uri")
	}

	noDirective := scriptViolation()
	noDirective.ViolatedDirective = ""
	noDirective.EffectiveDirective = ""
	if err := noDirective.Validate(); err == nil {
		t.Error("expected error without any directive")
	}

	badDisposition := scriptViolation()
	badDisposition.Disposition = "ignore"
	if err := badDisposition.Validate(); err == nil {
		t.Error("expected error for unknown disposition")
	}

	negativeLine := scriptViolation()
	negativeLine.LineNumber = -1
	if err := negativeLine.Validate(); err == nil {
		t.Error("expected error for negative line number")
	}
}

func TestReport_LogsAndRelays(t *testing.T) {
	logger := &recordingLogger{}
	deliverer := &recordingDeliverer{}
	r := NewReporter(logger, WithDeliverer(deliverer))

	sev := r.Report(scriptViolation())
	r.Wait()

	if sev != monitor.High {
		t.Errorf("expected HIGH, got %s", sev)
	}
	if len(logger.logged) != 1 {
		t.Fatalf("expected 1 logged violation, got %d", len(logger.logged))
	}
	got := logger.logged[0]
	if got.directive != "script-src-elem" || got.severity != monitor.High {
		t.Errorf("unexpected logged violation %+v", got)
	}
	if got.details.GetString("blocked_uri") != "https://evil.example/x.js" {
		t.Errorf("expected blocked_uri detail, got %v", got.details)
	}

	if len(deliverer.bodies) != 1 {
		t.Fatalf("expected 1 relayed report, got %d", len(deliverer.bodies))
	}
	if deliverer.types[0] != "application/csp-report" {
		t.Errorf("expected csp-report content type, got %q", deliverer.types[0])
	}
	var relayed map[string]map[string]any
	if err := json.Unmarshal(deliverer.bodies[0], &relayed); err != nil {
		t.Fatalf("decoding relayed body: %v", err)
	}
	inner, ok := relayed["csp-report"]
	if !ok {
		t.Fatalf("expected csp-report wrapper, got %s", deliverer.bodies[0])
	}
	if inner["blocked-uri"] != "https://evil.example/x.js" || inner["effective-directive"] != "script-src-elem" {
		t.Errorf("expected hyphenated field names, got %v", inner)
	}
}

func TestReport_DeliveryFailureIgnored(t *testing.T) {
	deliverer := &recordingDeliverer{err: errors.New("endpoint down")}
	r := NewReporter(&recordingLogger{}, WithDeliverer(deliverer))

	r.Report(scriptViolation())
	r.Wait()

	if len(r.Violations()) != 1 {
		t.Error("expected violation recorded despite relay failure")
	}
}

func TestReport_WithEndpointPostsToServer(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		received = append(received, req.Header.Get("Content-Type")+" "+string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewReporter(&recordingLogger{}, WithEndpoint(srv.URL))
	r.Report(scriptViolation())
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 POST, got %d", len(received))
	}
	if !strings.HasPrefix(received[0], "application/csp-report {\"csp-report\":") {
		t.Errorf("unexpected relayed request %q", received[0])
	}
}

func TestReport_RelayLimitThrottlesBurst(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewReporter(&recordingLogger{}, WithEndpoint(srv.URL), WithRelayLimit(0.001, 1))
	for i := 0; i < 5; i++ {
		r.Report(scriptViolation())
	}
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected burst of 1 relay, endpoint saw %d", hits)
	}
	if got := len(r.Violations()); got != 5 {
		t.Errorf("expected every violation recorded, got %d", got)
	}
}

func TestReport_CapacityEvictsOldest(t *testing.T) {
	r := NewReporter(nil)
	for i := 0; i < DefaultCapacity+20; i++ {
		v := scriptViolation()
		v.BlockedURI = fmt.Sprintf("https://evil.example/%d.js", i)
		r.Report(v)
	}

	all := r.Violations()
	if len(all) != DefaultCapacity {
		t.Fatalf("expected %d violations, got %d", DefaultCapacity, len(all))
	}
	if all[0].BlockedURI != "https://evil.example/20.js" {
		t.Errorf("expected oldest kept to be #20, got %s", all[0].BlockedURI)
	}
}

func TestStatistics(t *testing.T) {
	r := NewReporter(nil)
	r.Report(scriptViolation())
	r.Report(scriptViolation())
	img := Violation{DocumentURI: "https://app.example/", EffectiveDirective: "img-src", BlockedURI: "data"}
	r.Report(img)

	stats := r.Statistics()
	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
	if stats.ByDirective["script-src-elem"] != 2 || stats.ByDirective["img-src"] != 1 {
		t.Errorf("unexpected by-directive counts %v", stats.ByDirective)
	}
	if stats.ByBlockedURI["https://evil.example/x.js"] != 2 || stats.ByBlockedURI["data"] != 1 {
		t.Errorf("unexpected by-blocked-uri counts %v", stats.ByBlockedURI)
	}

	r.Clear()
	if r.Statistics().Total != 0 {
		t.Error("expected empty statistics after Clear")
	}
}

func TestExport(t *testing.T) {
	at := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	r := NewReporter(nil, WithClock(func() time.Time { return at }))
	r.Report(scriptViolation())

	var buf bytes.Buffer
	if err := r.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc ExportDocument
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if !doc.ExportedAt.Equal(at) || doc.Statistics.Total != 1 || len(doc.Violations) != 1 {
		t.Errorf("unexpected export %+v", doc)
	}
	if doc.Violations[0] != scriptViolation() {
		t.Errorf("violation changed through export: %+v", doc.Violations[0])
	}
}

func TestReport_LogsThroughMonitor(t *testing.T) {
	mon := monitor.New()
	r := NewReporter(mon)

	r.Report(Violation{DocumentURI: "https://app.example/", EffectiveDirective: "style-src-attr"})

	events := mon.Events(monitor.Filter{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != monitor.CSPViolation || events[0].Severity != monitor.Medium {
		t.Errorf("unexpected event %s/%s", events[0].Type, events[0].Severity)
	}
}

func TestHandler_LegacyReport(t *testing.T) {
	mon := monitor.New()
	r := NewReporter(mon)

	body := `{"csp-report":{"document-uri":"https://app.example/","violated-directive":"object-src 'none'","blocked-uri":"https://evil.example/a.swf","original-policy":"object-src 'none'"}}`
	req := httptest.NewRequest(http.MethodPost, "/csp-report", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/csp-report")
	rec := httptest.NewRecorder()

	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	violations := r.Violations()
	if len(violations) != 1 || violations[0].Directive() != "object-src" {
		t.Errorf("unexpected violations %+v", violations)
	}
	high := monitor.High
	if len(mon.Events(monitor.Filter{Severity: &high})) != 1 {
		t.Error("expected a HIGH CSP event")
	}
}

func TestHandler_ReportingAPI(t *testing.T) {
	r := NewReporter(nil)

	body := `[
		{"type":"csp-violation","url":"https://app.example/page","body":{"effectiveDirective":"img-src","blockedURL":"https://tracker.example/p.gif","disposition":"report"}},
		{"type":"deprecation","url":"https://app.example/page","body":{}},
		{"type":"csp-violation","url":"https://app.example/page","body":{"documentURL":"https://app.example/other","effectiveDirective":"script-src-elem","blockedURL":"inline","lineNumber":12}}
	]`
	req := httptest.NewRequest(http.MethodPost, "/csp-report", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/reports+json")
	rec := httptest.NewRecorder()

	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	violations := r.Violations()
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(violations))
	}
	if violations[0].DocumentURI != "https://app.example/page" {
		t.Errorf("expected report url as document uri, got %q", violations[0].DocumentURI)
	}
	if violations[1].DocumentURI != "https://app.example/other" || violations[1].LineNumber != 12 {
		t.Errorf("unexpected second violation %+v", violations[1])
	}
}

func TestHandler_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		wantCode    int
	}{
		{"get", http.MethodGet, "application/csp-report", "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "application/csp-report", "{not json", http.StatusBadRequest},
		{"missing document", http.MethodPost, "application/csp-report", `{"csp-report":{"violated-directive":"script-src"}}`, http.StatusBadRequest},
		{"missing directive", http.MethodPost, "application/csp-report", `{"csp-report":{"document-uri":"https://a.example/"}}`, http.StatusBadRequest},
		{"wrong content type", http.MethodPost, "text/plain", `{"csp-report":{}}`, http.StatusBadRequest},
		{"reports not array", http.MethodPost, "application/reports+json", `{"type":"csp-violation"}`, http.StatusBadRequest},
		{"one bad entry", http.MethodPost, "application/reports+json",
			`[{"type":"csp-violation","url":"https://a.example/","body":{"effectiveDirective":"img-src"}},{"type":"csp-violation","url":"","body":{"effectiveDirective":"img-src"}}]`,
			http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReporter(nil)
			req := httptest.NewRequest(tc.method, "/csp-report", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			rec := httptest.NewRecorder()

			r.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Errorf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if len(r.Violations()) != 0 {
				t.Error("expected nothing recorded")
			}
		})
	}
}

func TestParse_WrapsSentinel(t *testing.T) {
	_, err := Parse("application/csp-report", []byte("nope"))
	if !errors.Is(err, ErrMalformedReport) {
		t.Errorf("expected ErrMalformedReport, got %v", err)
	}
}
