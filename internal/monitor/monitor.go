// Package monitor records security events in a bounded in-memory window,
// notifies subscribers and forwards high-severity events to an external sink.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coal/shieldwall/internal/ringbuf"
)

// DefaultCapacity is the number of events kept in memory.
const DefaultCapacity = 1000

const deliveryTimeout = 10 * time.Second

// Listener is called synchronously for every logged event.
type Listener func(Event)

// Sink receives forwarded events. Implementations own their own outbound
// rate limiting.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

type subscription struct {
	id uint64
	fn Listener
}

// Monitor is safe for concurrent use.
type Monitor struct {
	events *ringbuf.Ring[Event]

	mu        sync.RWMutex
	listeners []subscription
	nextSubID uint64

	now        func() time.Time
	newID      func() uuid.UUID
	origin     func() Origin
	sink       Sink
	forwardMin Severity
	logger     zerolog.Logger

	inflight sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCapacity sets the event window size.
func WithCapacity(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.events = ringbuf.New[Event](n)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator replaces uuid.New.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(m *Monitor) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithContext sets the provider of the user agent and URL attached to every
// event.
func WithContext(origin func() Origin) Option {
	return func(m *Monitor) { m.origin = origin }
}

// WithSink sets the destination for forwarded events.
func WithSink(s Sink) Option {
	return func(m *Monitor) { m.sink = s }
}

// WithForwardThreshold sets the lowest severity forwarded to the sink.
// Thresholds below High are raised to High.
func WithForwardThreshold(s Severity) Option {
	return func(m *Monitor) {
		if s.Valid() && s > High {
			m.forwardMin = s
		}
	}
}

// WithLogger sets the monitor's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		events:     ringbuf.New[Event](DefaultCapacity),
		now:        time.Now,
		newID:      uuid.New,
		forwardMin: High,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LogEvent records an event, notifies subscribers and forwards it to the sink
// when severe enough. It never fails.
func (m *Monitor) LogEvent(t Type, s Severity, message string, details Details) Event {
	event := Event{
		ID:        m.newID(),
		Timestamp: m.now(),
		Type:      t,
		Severity:  s,
		Message:   message,
		Details:   details,
	}
	if m.origin != nil {
		o := m.origin()
		event.UserAgent = o.UserAgent
		event.URL = o.URL
	}

	m.events.Add(event)

	m.logger.Debug().
		Str("event_id", event.ID.String()).
		Stringer("type", event.Type).
		Stringer("severity", event.Severity).
		Str("message", event.Message).
		Msg("security event")

	m.notify(event)

	if m.sink != nil && event.Severity >= m.forwardMin {
		m.forward(event)
	}
	return event
}

func (m *Monitor) notify(event Event) {
	m.mu.RLock()
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, sub := range listeners {
		m.deliverTo(sub, event)
	}
}

func (m *Monitor) deliverTo(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Uint64("subscription", sub.id).
				Str("event_id", event.ID.String()).
				Interface("panic", r).
				Msg("security event listener panicked")
		}
	}()
	sub.fn(event)
}

func (m *Monitor) forward(event Event) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := m.sink.Deliver(ctx, event); err != nil {
			m.logger.Warn().
				Err(err).
				Str("event_id", event.ID.String()).
				Stringer("type", event.Type).
				Msg("forwarding security event failed")
		}
	}()
}

// Wait blocks until all in-flight sink deliveries have finished.
func (m *Monitor) Wait() {
	m.inflight.Wait()
}

// Subscribe registers fn for every subsequent event. The returned function
// removes the subscription and may be called any number of times.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, sub := range m.listeners {
				if sub.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Filter narrows Events. Nil and zero fields match everything.
type Filter struct {
	Type     *Type
	Severity *Severity
	Since    time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Severity != nil && e.Severity != *f.Severity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Events returns the matching events, newest first.
func (m *Monitor) Events(f Filter) []Event {
	all := m.events.Newest()
	out := all[:0]
	for _, e := range all {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of events currently held.
func (m *Monitor) Len() int {
	return m.events.Len()
}

// ClearBefore removes events older than t and returns how many were removed.
func (m *Monitor) ClearBefore(t time.Time) int {
	removed := m.events.Retain(func(e Event) bool {
		return !e.Timestamp.Before(t)
	})
	m.logger.Info().Int("removed", removed).Time("before", t).Msg("security events cleared")
	return removed
}

// Clear removes every event.
func (m *Monitor) Clear() {
	m.events.Reset()
}

// LogXSSAttempt records detected script injection content.
func (m *Monitor) LogXSSAttempt(content, source string) {
	m.LogEvent(XSSAttempt, High, "XSS attempt detected in "+source, Details{}.
		With("source", source).
		With("content", preview(content)).
		With("length", len(content)))
}

// LogInvalidFileUpload records a rejected upload.
func (m *Monitor) LogInvalidFileUpload(fileName, reason string) {
	m.LogEvent(InvalidFileUpload, Medium, "Invalid file upload: "+reason, Details{}.
		With("file_name", fileName).
		With("reason", reason))
}

// LogRateLimitExceeded records a key tripping its rate limit.
func (m *Monitor) LogRateLimitExceeded(action string, limit uint, identifier string) {
	m.LogEvent(RateLimitExceeded, Medium, "Rate limit exceeded for action: "+action, Details{}.
		With("action", action).
		With("limit", limit).
		With("identifier", identifier))
}

// LogValidationFailure records rejected input.
func (m *Monitor) LogValidationFailure(field, reason string) {
	m.LogEvent(ValidationFailure, Low, "Validation failed for "+field, Details{}.
		With("field", field).
		With("reason", reason))
}

// LogSanitization records that sanitization changed content.
func (m *Monitor) LogSanitization(field string, originalLength, sanitizedLength int) {
	m.LogEvent(SanitizationApplied, Low, "Content sanitized in "+field, Details{}.
		With("field", field).
		With("original_length", originalLength).
		With("sanitized_length", sanitizedLength).
		With("removed", originalLength-sanitizedLength))
}

// LogCSPViolation records a browser-reported policy violation.
func (m *Monitor) LogCSPViolation(directive string, severity Severity, details Details) {
	m.LogEvent(CSPViolation, severity, "CSP violation: "+directive, details)
}

// LogSuspiciousActivity records anything else worth alerting on.
func (m *Monitor) LogSuspiciousActivity(message string, details Details) {
	m.LogEvent(SuspiciousActivity, High, message, details)
}

const previewRunes = 100

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}
