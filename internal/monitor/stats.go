package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// TypeCounts holds one counter per event type. It serializes as an object
// keyed by type name with every type present.
type TypeCounts [NumTypes]int

func (c TypeCounts) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, NumTypes)
	for i, n := range c {
		m[Type(i).String()] = n
	}
	return json.Marshal(m)
}

func (c *TypeCounts) UnmarshalJSON(b []byte) error {
	var m map[string]int
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for name, n := range m {
		t, err := ParseType(name)
		if err != nil {
			return err
		}
		c[t] = n
	}
	return nil
}

// SeverityCounts holds one counter per severity.
type SeverityCounts [NumSeverities]int

func (c SeverityCounts) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, NumSeverities)
	for i, n := range c {
		m[Severity(i).String()] = n
	}
	return json.Marshal(m)
}

func (c *SeverityCounts) UnmarshalJSON(b []byte) error {
	var m map[string]int
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for name, n := range m {
		s, err := ParseSeverity(name)
		if err != nil {
			return err
		}
		c[s] = n
	}
	return nil
}

// Statistics summarizes the current event window.
type Statistics struct {
	TotalEvents int            `json:"total_events"`
	ByType      TypeCounts     `json:"by_type"`
	BySeverity  SeverityCounts `json:"by_severity"`
	Last24Hours int            `json:"last_24_hours"`
}

// Statistics scans the current window.
func (m *Monitor) Statistics() Statistics {
	events := m.events.All()
	cutoff := m.now().Add(-24 * time.Hour)

	var stats Statistics
	stats.TotalEvents = len(events)
	for _, e := range events {
		if e.Type.Valid() {
			stats.ByType[e.Type]++
		}
		if e.Severity.Valid() {
			stats.BySeverity[e.Severity]++
		}
		if e.Timestamp.After(cutoff) {
			stats.Last24Hours++
		}
	}
	return stats
}

// ExportDocument is the document written by Export.
type ExportDocument struct {
	ExportedAt time.Time  `json:"exported_at"`
	Statistics Statistics `json:"statistics"`
	Events     []Event    `json:"events"`
}

// Export writes the current window as an indented JSON document.
func (m *Monitor) Export(w io.Writer) error {
	doc := ExportDocument{
		ExportedAt: m.now().UTC(),
		Statistics: m.Statistics(),
		Events:     m.Events(Filter{}),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("exporting security events: %w", err)
	}
	return nil
}
