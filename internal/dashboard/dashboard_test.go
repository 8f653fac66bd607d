package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/policy"
)

func TestStats_Record(t *testing.T) {
	s := NewStats()
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	s.Record(pipeline.Decision{Timestamp: now, Stage: pipeline.StageRender, Action: policy.ActionDeny, RuleName: "r1", Blocked: true})
	s.Record(pipeline.Decision{Timestamp: now, Stage: pipeline.StageRender, Action: policy.ActionAllow})
	s.Record(pipeline.Decision{Timestamp: now, Stage: pipeline.StageAdmit})
	s.RecordEvent(monitor.Event{Timestamp: now})

	snap := s.Snapshot()
	if snap.TotalDecisions != 3 || snap.BlockedCount != 1 || snap.AllowedCount != 2 {
		t.Errorf("unexpected totals %+v", snap)
	}
	if snap.StageCounts[pipeline.StageRender] != 2 {
		t.Errorf("render count = %d", snap.StageCounts[pipeline.StageRender])
	}
	if snap.ActionCounts["DENY"] != 1 || snap.RuleCounts["r1"] != 1 {
		t.Errorf("unexpected action/rule counts %v %v", snap.ActionCounts, snap.RuleCounts)
	}
	if len(snap.TimeSeries) != timeSeriesMinutes {
		t.Fatalf("expected %d points, got %d", timeSeriesMinutes, len(snap.TimeSeries))
	}
	last := snap.TimeSeries[len(snap.TimeSeries)-1]
	if last.Count != 3 || last.Blocked != 1 || last.Events != 1 {
		t.Errorf("unexpected current bucket %+v", last)
	}
}

func newTestHub(t *testing.T) (*Hub, *pipeline.Pipeline, *monitor.Monitor) {
	t.Helper()
	pol := policy.Default()
	mon := monitor.New()
	pipe := pipeline.New(pol, mon)
	hub := NewHub(pol, mon, zerolog.Nop())
	detach := hub.Attach(pipe)
	t.Cleanup(detach)
	return hub, pipe, mon
}

func TestHub_TracksDecisionsAndEvents(t *testing.T) {
	hub, pipe, _ := newTestHub(t)

	pipe.Render("<script>x</script>hi", "chat.message", nil)

	if n := len(hub.Decisions()); n != 1 {
		t.Fatalf("expected 1 decision, got %d", n)
	}
	snap := hub.StatsSnapshot()
	if snap.Security.TotalEvents != 2 {
		t.Errorf("expected XSS and sanitization events, got %d", snap.Security.TotalEvents)
	}
}

func TestHandler_Routes(t *testing.T) {
	hub, pipe, _ := newTestHub(t)
	pipe.Admit("message", "u1")

	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + Prefix)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "<title>Shieldwall</title>") {
		t.Error("expected dashboard HTML")
	}
	if !strings.Contains(resp.Header.Get("Content-Security-Policy"), "object-src 'none'") {
		t.Error("expected a CSP header on the dashboard")
	}

	resp, err = http.Get(srv.URL + Prefix + "api/decisions")
	if err != nil {
		t.Fatal(err)
	}
	var decisions []pipeline.Decision
	json.NewDecoder(resp.Body).Decode(&decisions)
	resp.Body.Close()
	if len(decisions) != 1 || decisions[0].Stage != pipeline.StageAdmit {
		t.Errorf("unexpected decisions %+v", decisions)
	}
}

func TestHandler_WebSocketInitialStateAndEvents(t *testing.T) {
	hub, _, mon := newTestHub(t)
	mon.LogValidationFailure("email", "bad")

	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+Prefix+"ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgInitialState {
		t.Fatalf("expected initial_state, got %s", msg.Type)
	}
	var state InitialState
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if len(state.Events) != 1 || state.Events[0].Type != monitor.ValidationFailure {
		t.Errorf("unexpected initial events %+v", state.Events)
	}

	// Registration happens before the initial write, so the client is
	// already subscribed here.
	mon.LogSuspiciousActivity("<img src=x onerror=alert(1)>", nil)

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgEvent {
		t.Fatalf("expected event, got %s", msg.Type)
	}
	var e monitor.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != monitor.SuspiciousActivity {
		t.Errorf("unexpected type %s", e.Type)
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StalledClientDoesNotBlockBroadcast(t *testing.T) {
	hub, _, mon := newTestHub(t)

	release := make(chan struct{})
	stalled := func(ctx context.Context, _ []byte) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.serve(ctx, stalled) }()
	waitForClients(t, hub, 1)

	start := time.Now()
	for i := 0; i < sendBuffer*2; i++ {
		mon.LogSuspiciousActivity("flood", nil)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("logging blocked on a stalled dashboard client for %s", elapsed)
	}

	close(release)
	select {
	case err := <-done:
		if !errors.Is(err, ErrSlowClient) {
			t.Errorf("expected ErrSlowClient, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled client was not dropped")
	}
	waitForClients(t, hub, 0)
}

func TestHub_ServeDeliversQueuedMessagesInOrder(t *testing.T) {
	hub, _, mon := newTestHub(t)

	got := make(chan string, 8)
	write := func(_ context.Context, data []byte) error {
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		got <- msg.Type
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.serve(ctx, write) }()
	waitForClients(t, hub, 1)

	mon.LogSuspiciousActivity("one", nil)
	mon.LogSuspiciousActivity("two", nil)

	want := []string{MsgInitialState, MsgEvent, MsgEvent}
	for i, w := range want {
		select {
		case typ := <-got:
			if typ != w {
				t.Errorf("message %d: got %s, want %s", i, typ, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	waitForClients(t, hub, 0)
}
