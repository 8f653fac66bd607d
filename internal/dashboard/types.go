package dashboard

import (
	"time"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/policy"
)

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Message types sent to clients.
const (
	MsgInitialState = "initial_state"
	MsgEvent        = "event"
	MsgDecision     = "decision"
	MsgStatsUpdate  = "stats_update"
)

// StatsSnapshot is a point-in-time snapshot of accumulated statistics.
type StatsSnapshot struct {
	TotalDecisions uint64             `json:"total_decisions"`
	BlockedCount   uint64             `json:"blocked_count"`
	AllowedCount   uint64             `json:"allowed_count"`
	StageCounts    map[string]uint64  `json:"stage_counts"`
	ActionCounts   map[string]uint64  `json:"action_counts"`
	RuleCounts     map[string]uint64  `json:"rule_counts"`
	Security       monitor.Statistics `json:"security"`
	TimeSeries     []TimeSeriesPoint  `json:"time_series"`
}

// TimeSeriesPoint is a single point in the 60-minute time series.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     uint64    `json:"count"`
	Blocked   uint64    `json:"blocked"`
	Events    uint64    `json:"events"`
}

// InitialState is sent to clients on WebSocket connect.
type InitialState struct {
	Events    []monitor.Event     `json:"events"`
	Decisions []pipeline.Decision `json:"decisions"`
	Stats     *StatsSnapshot      `json:"stats"`
	Policy    *policy.Policy      `json:"policy"`
}
