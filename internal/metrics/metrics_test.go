package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coal/shieldwall/internal/monitor"
)

func TestObserveEvent(t *testing.T) {
	m := New(false)
	mon := monitor.New()
	mon.Subscribe(m.ObserveEvent)

	mon.LogXSSAttempt("<script>", "chat")
	mon.LogXSSAttempt("<script>", "chat")
	mon.LogCSPViolation("script-src", monitor.High, monitor.Details{}.With("directive", "script-src"))

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("XSS_ATTEMPT", "HIGH")); got != 2 {
		t.Errorf("expected 2 XSS events, got %v", got)
	}
	if got := testutil.ToFloat64(m.CSPViolationsTotal.WithLabelValues("script-src")); got != 1 {
		t.Errorf("expected 1 CSP violation, got %v", got)
	}
}

func TestObserveAdmission(t *testing.T) {
	m := New(false)
	m.ObserveAdmission("message", true, true)
	m.ObserveAdmission("message", true, true)
	m.ObserveAdmission("message", true, false)

	if got := testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("message", "allowed")); got != 2 {
		t.Errorf("expected 2 allowed, got %v", got)
	}
	if got := testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("message", "denied")); got != 1 {
		t.Errorf("expected 1 denied, got %v", got)
	}
}

func TestObserveAdmission_UnconfiguredActionsShareALabel(t *testing.T) {
	m := New(false)
	for i := 0; i < 50; i++ {
		m.ObserveAdmission(fmt.Sprintf("made-up-%d", i), false, true)
	}

	if got := testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues(Unconfigured, "allowed")); got != 50 {
		t.Errorf("expected 50 unconfigured admissions, got %v", got)
	}
	if got := testutil.CollectAndCount(m.AdmissionsTotal); got != 1 {
		t.Errorf("expected a single admission series, got %d", got)
	}
}

func TestObserveEvent_DirectiveLabelsAreBounded(t *testing.T) {
	m := New(false)
	mon := monitor.New()
	mon.Subscribe(m.ObserveEvent)

	for _, directive := range []string{"script-src-elem", "script-src-attr", "IMG-SRC", "x-evil-1", "x-evil-2", ""} {
		mon.LogCSPViolation(directive, monitor.Low, monitor.Details{}.With("directive", directive))
	}

	if got := testutil.ToFloat64(m.CSPViolationsTotal.WithLabelValues("script-src")); got != 2 {
		t.Errorf("expected -elem and -attr folded into script-src, got %v", got)
	}
	if got := testutil.ToFloat64(m.CSPViolationsTotal.WithLabelValues("img-src")); got != 1 {
		t.Errorf("expected 1 img-src, got %v", got)
	}
	if got := testutil.ToFloat64(m.CSPViolationsTotal.WithLabelValues("other")); got != 3 {
		t.Errorf("expected unknown directives under other, got %v", got)
	}
	if got := testutil.CollectAndCount(m.CSPViolationsTotal); got != 3 {
		t.Errorf("expected 3 directive series, got %d", got)
	}
}

type failingSink struct{ err error }

func (f failingSink) Deliver(context.Context, monitor.Event) error { return f.err }

func TestInstrumentSink(t *testing.T) {
	m := New(false)
	ok := m.InstrumentSink("webhook", failingSink{})
	bad := m.InstrumentSink("redis", failingSink{err: errors.New("down")})

	_ = ok.Deliver(context.Background(), monitor.Event{})
	if err := bad.Deliver(context.Background(), monitor.Event{}); err == nil {
		t.Error("expected wrapped sink error to be returned")
	}

	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("webhook", "ok")); got != 1 {
		t.Errorf("expected 1 ok delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("redis", "error")); got != 1 {
		t.Errorf("expected 1 failed delivery, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New(false)
	m.ObserveAdmission("api_call", true, false)
	m.ObserveSanitize("strict", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`shieldwall_ratelimit_decisions_total{action="api_call",result="denied"} 1`,
		`shieldwall_sanitize_duration_seconds_count{policy="strict"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
