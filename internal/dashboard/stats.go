package dashboard

import (
	"sync"
	"time"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
)

const timeSeriesMinutes = 60

// Stats accumulates real-time statistics from pipeline decisions and
// security events.
type Stats struct {
	mu sync.RWMutex

	totalDecisions uint64
	blockedCount   uint64
	allowedCount   uint64

	stageCounts  map[string]uint64
	actionCounts map[string]uint64
	ruleCounts   map[string]uint64

	// Per-minute buckets for the last 60 minutes
	timeBuckets [timeSeriesMinutes]timeBucket
	now         func() time.Time
}

type timeBucket struct {
	minute  time.Time // truncated to minute
	count   uint64
	blocked uint64
	events  uint64
}

// NewStats creates a new stats accumulator.
func NewStats() *Stats {
	return &Stats{
		stageCounts:  make(map[string]uint64),
		actionCounts: make(map[string]uint64),
		ruleCounts:   make(map[string]uint64),
		now:          time.Now,
	}
}

// Record ingests a single pipeline decision.
func (s *Stats) Record(d pipeline.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalDecisions++
	if d.Blocked {
		s.blockedCount++
	} else {
		s.allowedCount++
	}

	s.stageCounts[d.Stage]++
	if d.Action != "" {
		s.actionCounts[string(d.Action)]++
	}
	if d.RuleName != "" {
		s.ruleCounts[d.RuleName]++
	}

	b := s.bucket(d.Timestamp)
	b.count++
	if d.Blocked {
		b.blocked++
	}
}

// RecordEvent counts a security event in the time series.
func (s *Stats) RecordEvent(e monitor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(e.Timestamp).events++
}

func (s *Stats) bucket(ts time.Time) *timeBucket {
	minute := ts.UTC().Truncate(time.Minute)
	idx := minute.Minute() % timeSeriesMinutes
	if s.timeBuckets[idx].minute != minute {
		s.timeBuckets[idx] = timeBucket{minute: minute}
	}
	return &s.timeBuckets[idx]
}

// Snapshot returns a point-in-time copy of the stats. Security statistics
// are filled in by the hub.
func (s *Stats) Snapshot() *StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &StatsSnapshot{
		TotalDecisions: s.totalDecisions,
		BlockedCount:   s.blockedCount,
		AllowedCount:   s.allowedCount,
		StageCounts:    copyMap(s.stageCounts),
		ActionCounts:   copyMap(s.actionCounts),
		RuleCounts:     copyMap(s.ruleCounts),
	}

	// Build time series from buckets (last 60 minutes, chronological)
	now := s.now().UTC().Truncate(time.Minute)
	cutoff := now.Add(-timeSeriesMinutes * time.Minute)
	for i := 0; i < timeSeriesMinutes; i++ {
		t := cutoff.Add(time.Duration(i+1) * time.Minute)
		b := s.timeBuckets[t.Minute()%timeSeriesMinutes]
		if b.minute.Equal(t) {
			snap.TimeSeries = append(snap.TimeSeries, TimeSeriesPoint{
				Timestamp: b.minute,
				Count:     b.count,
				Blocked:   b.blocked,
				Events:    b.events,
			})
		} else {
			snap.TimeSeries = append(snap.TimeSeries, TimeSeriesPoint{Timestamp: t})
		}
	}

	return snap
}

func copyMap(m map[string]uint64) map[string]uint64 {
	c := make(map[string]uint64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
