// Package audit writes a durable JSON-lines journal of security events.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/coal/shieldwall/internal/monitor"
)

// Entry is a single journal line.
type Entry struct {
	Timestamp time.Time        `json:"timestamp"`
	EventID   string           `json:"event_id"`
	Type      monitor.Type     `json:"type"`
	Severity  monitor.Severity `json:"severity"`
	Message   string           `json:"message"`
	Details   monitor.Details  `json:"details,omitempty"`
	UserAgent string           `json:"user_agent,omitempty"`
	URL       string           `json:"url,omitempty"`
	// Forwarded is set when the entry was written by the sink path.
	Forwarded bool `json:"forwarded,omitempty"`
}

// FromEvent converts a monitor event into a journal entry.
func FromEvent(e monitor.Event) Entry {
	return Entry{
		Timestamp: e.Timestamp,
		EventID:   e.ID.String(),
		Type:      e.Type,
		Severity:  e.Severity,
		Message:   e.Message,
		Details:   e.Details,
		UserAgent: e.UserAgent,
		URL:       e.URL,
	}
}

// Logger writes JSON-line audit log entries.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewLogger creates a new audit logger writing to the given writer.
func NewLogger(w io.Writer) *Logger {
	return &Logger{
		writer: w,
		enc:    json.NewEncoder(w),
	}
}

// NewFileLogger creates a logger that writes to a file at the given path.
// Creates the file if it doesn't exist, appends if it does.
func NewFileLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l := NewLogger(f)
	l.closer = f
	return l, nil
}

// NewStderrLogger creates a logger that writes to stderr.
func NewStderrLogger() *Logger {
	return NewLogger(os.Stderr)
}

// Log writes a single audit entry as a JSON line.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(entry)
}

// Record journals every event; subscribe it to a monitor.
func (l *Logger) Record(e monitor.Event) {
	_ = l.Log(FromEvent(e))
}

// Deliver journals a forwarded event, so the logger can stand in as a
// monitor sink when no remote sink is configured.
func (l *Logger) Deliver(_ context.Context, e monitor.Event) error {
	entry := FromEvent(e)
	entry.Forwarded = true
	return l.Log(entry)
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NopLogger returns a logger that discards all entries.
func NopLogger() *Logger {
	return NewLogger(io.Discard)
}
