package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies a security event.
type Type int

const (
	XSSAttempt Type = iota
	InvalidFileUpload
	RateLimitExceeded
	ValidationFailure
	SanitizationApplied
	CSPViolation
	SuspiciousActivity

	// NumTypes is the number of event types.
	NumTypes
)

var typeNames = [NumTypes]string{
	XSSAttempt:          "XSS_ATTEMPT",
	InvalidFileUpload:   "INVALID_FILE_UPLOAD",
	RateLimitExceeded:   "RATE_LIMIT_EXCEEDED",
	ValidationFailure:   "VALIDATION_FAILURE",
	SanitizationApplied: "SANITIZATION_APPLIED",
	CSPViolation:        "CSP_VIOLATION",
	SuspiciousActivity:  "SUSPICIOUS_ACTIVITY",
}

func (t Type) String() string {
	if t < 0 || t >= NumTypes {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the defined types.
func (t Type) Valid() bool {
	return t >= 0 && t < NumTypes
}

// ParseType parses an upper-case type name.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid event type %d", int(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Severity is ordered: Low < Medium < High < Critical.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical

	// NumSeverities is the number of severity levels.
	NumSeverities
)

var severityNames = [NumSeverities]string{
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	Critical: "CRITICAL",
}

func (s Severity) String() string {
	if s < 0 || s >= NumSeverities {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the defined levels.
func (s Severity) Valid() bool {
	return s >= 0 && s < NumSeverities
}

// ParseSeverity parses an upper-case severity name.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if name == s {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Field is one key/value pair of Details.
type Field struct {
	Key   string
	Value any
}

// Details is an ordered key/value payload. It serializes as a JSON object
// whose keys keep their insertion order.
type Details []Field

// With returns d extended by key=value.
func (d Details) With(key string, value any) Details {
	return append(d, Field{Key: key, Value: value})
}

// Get returns the first value stored under key.
func (d Details) Get(key string) (any, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString returns the value under key formatted with %v, or "".
func (d Details) GetString(key string) string {
	v, ok := d.Get(key)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (d Details) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshaling detail %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps key order. Numbers decode as json.Number so that
// re-encoding reproduces them exactly.
func (d *Details) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("details: expected object, got %v", tok)
	}

	out := Details{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("details: expected key, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("details: decoding %q: %w", key, err)
		}
		out = append(out, Field{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = out
	return nil
}

// Origin describes where an event was raised.
type Origin struct {
	UserAgent string
	URL       string
}

// Event is a single recorded security event.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Details   Details   `json:"details"`
	UserAgent string    `json:"user_agent,omitempty"`
	URL       string    `json:"url,omitempty"`
}
