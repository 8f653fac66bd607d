package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/policy"
	"github.com/coal/shieldwall/internal/ringbuf"
)

const (
	defaultDecisionBuffer = 500
	writeTimeout          = 5 * time.Second
	sendBuffer            = 64
)

// ErrSlowClient ends a connection whose send queue overflowed.
var ErrSlowClient = errors.New("dashboard client too slow")

// client is one connected dashboard. Broadcasts only ever enqueue; the
// connection's own goroutine does the writing.
type client struct {
	send chan []byte
	gone chan struct{}
	once sync.Once
}

func (c *client) drop() {
	c.once.Do(func() { close(c.gone) })
}

// Hub manages WebSocket clients, event broadcasting, and stats.
type Hub struct {
	monitor   *monitor.Monitor
	decisions *ringbuf.Ring[pipeline.Decision]
	stats     *Stats
	policy    *policy.Policy
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a new dashboard hub. Security events are read from mon.
func NewHub(pol *policy.Policy, mon *monitor.Monitor, logger zerolog.Logger) *Hub {
	return &Hub{
		monitor:   mon,
		decisions: ringbuf.New[pipeline.Decision](defaultDecisionBuffer),
		stats:     NewStats(),
		policy:    pol,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
}

// Attach subscribes the hub to the monitor and the pipeline. The returned
// function detaches it from the monitor.
func (h *Hub) Attach(pipe *pipeline.Pipeline) (detach func()) {
	pipe.AddObserver(h.OnDecision)
	return h.monitor.Subscribe(h.OnEvent)
}

// OnEvent is the monitor listener.
func (h *Hub) OnEvent(e monitor.Event) {
	h.stats.RecordEvent(e)
	h.broadcast(WSMessage{Type: MsgEvent, Payload: e})
}

// OnDecision is the observer callback to register with the pipeline.
func (h *Hub) OnDecision(d pipeline.Decision) {
	h.decisions.Add(d)
	h.stats.Record(d)
	h.broadcast(WSMessage{Type: MsgDecision, Payload: d})
}

// Serve registers conn, sends it the initial state and then streams
// broadcasts to it until ctx ends. It returns ErrSlowClient if the
// connection could not keep up with the broadcast rate.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	return h.serve(ctx, func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	})
}

func (h *Hub) serve(ctx context.Context, write func(context.Context, []byte) error) error {
	c := &client{
		send: make(chan []byte, sendBuffer),
		gone: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.unregister(c)

	initial := WSMessage{
		Type: MsgInitialState,
		Payload: InitialState{
			Events:    h.monitor.Events(monitor.Filter{}),
			Decisions: h.decisions.Newest(),
			Stats:     h.StatsSnapshot(),
			Policy:    h.policy,
		},
	}
	data, err := json.Marshal(initial)
	if err != nil {
		h.logger.Error().Err(err).Msg("encoding initial dashboard state")
		return err
	}

	for {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := write(wctx, data)
		cancel()
		if err != nil {
			return err
		}

		// A dropped client stops even with messages still queued.
		select {
		case <-c.gone:
			h.logger.Warn().Int("queued", len(c.send)).Msg("dropping slow dashboard client")
			return ErrSlowClient
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.gone:
			return ErrSlowClient
		case data = <-c.send:
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.drop()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues a message for every connected client without blocking.
// A client whose queue is full is dropped.
func (h *Hub) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.drop()
		}
	}
}

// StartStatsBroadcast pushes stats snapshots to all clients every interval.
func (h *Hub) StartStatsBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(WSMessage{Type: MsgStatsUpdate, Payload: h.StatsSnapshot()})
		}
	}
}

// Decisions returns recent pipeline decisions, newest first.
func (h *Hub) Decisions() []pipeline.Decision {
	return h.decisions.Newest()
}

// StatsSnapshot returns accumulated stats with the monitor's statistics.
func (h *Hub) StatsSnapshot() *StatsSnapshot {
	snap := h.stats.Snapshot()
	snap.Security = h.monitor.Statistics()
	return snap
}

// PolicyConfig returns the loaded policy.
func (h *Hub) PolicyConfig() *policy.Policy {
	return h.policy
}
