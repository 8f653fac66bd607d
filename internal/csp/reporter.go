// Package csp collects browser Content-Security-Policy violation reports,
// classifies them, records them with the security monitor and relays them to
// a collection endpoint.
package csp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/ringbuf"
	"github.com/coal/shieldwall/internal/sink"
)

// DefaultCapacity is the number of violations kept in memory.
const DefaultCapacity = 100

// ContentType is the media type of legacy CSP reports.
const ContentType = "application/csp-report"

const deliveryTimeout = 10 * time.Second

// Default outbound relay limit, in reports per second and burst size.
const (
	DefaultRelayRate  = 5
	DefaultRelayBurst = 10
)

// EventLogger records violations as security events.
type EventLogger interface {
	LogCSPViolation(directive string, severity monitor.Severity, details monitor.Details)
}

// Deliverer posts a serialized report to the collection endpoint.
type Deliverer interface {
	Post(ctx context.Context, contentType string, body []byte) error
}

// Reporter is safe for concurrent use.
type Reporter struct {
	mon        EventLogger
	violations *ringbuf.Ring[Violation]
	deliverer  Deliverer
	relay      sink.HTTPConfig
	now        func() time.Time
	logger     zerolog.Logger

	inflight sync.WaitGroup
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithEndpoint relays violations to url, subject to the relay limit.
func WithEndpoint(url string) Option {
	return func(r *Reporter) { r.relay.URL = url }
}

// WithRelayLimit caps relays to the endpoint at rps with the given burst.
// Reports over the cap are recorded but not relayed.
func WithRelayLimit(rps float64, burst int) Option {
	return func(r *Reporter) {
		if rps > 0 {
			r.relay.RatePerSecond = rps
		}
		if burst > 0 {
			r.relay.Burst = burst
		}
	}
}

// WithDeliverer sets a custom relay. It takes precedence over WithEndpoint.
func WithDeliverer(d Deliverer) Option {
	return func(r *Reporter) { r.deliverer = d }
}

// WithCapacity sets the violation window size.
func WithCapacity(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.violations = ringbuf.New[Violation](n)
		}
	}
}

// WithLogger sets the reporter's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReporter creates a Reporter that logs to mon.
func NewReporter(mon EventLogger, opts ...Option) *Reporter {
	r := &Reporter{
		mon:        mon,
		violations: ringbuf.New[Violation](DefaultCapacity),
		relay:      sink.HTTPConfig{RatePerSecond: DefaultRelayRate, Burst: DefaultRelayBurst},
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deliverer == nil && r.relay.URL != "" {
		r.deliverer = sink.NewHTTP(r.relay, r.logger)
	}
	return r
}

// Report records v, logs it with the monitor and relays it in the
// background. It returns the assigned severity.
func (r *Reporter) Report(v Violation) monitor.Severity {
	directive := v.Directive()
	severity := Classify(directive)

	r.violations.Add(v)

	r.logger.Info().
		Str("directive", directive).
		Str("blocked_uri", v.BlockedURI).
		Str("document_uri", v.DocumentURI).
		Stringer("severity", severity).
		Msg("csp violation")

	if r.mon != nil {
		r.mon.LogCSPViolation(directive, severity, v.details())
	}
	if r.deliverer != nil {
		r.relayViolation(v)
	}
	return severity
}

type legacyReport struct {
	Report Violation `json:"csp-report"`
}

func (r *Reporter) relayViolation(v Violation) {
	body, err := json.Marshal(legacyReport{Report: v})
	if err != nil {
		r.logger.Warn().Err(err).Msg("encoding csp report")
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := r.deliverer.Post(ctx, ContentType, body); err != nil {
			r.logger.Warn().Err(err).Str("directive", v.Directive()).Msg("relaying csp report failed")
		}
	}()
}

// Wait blocks until in-flight relays have finished.
func (r *Reporter) Wait() {
	r.inflight.Wait()
}

// Violations returns the recorded violations, oldest first.
func (r *Reporter) Violations() []Violation {
	return r.violations.All()
}

// Clear removes all recorded violations.
func (r *Reporter) Clear() {
	r.violations.Reset()
}

// Statistics aggregates the recorded violations.
type Statistics struct {
	Total        int            `json:"total"`
	ByDirective  map[string]int `json:"by_directive"`
	ByBlockedURI map[string]int `json:"by_blocked_uri"`
}

// Statistics counts violations by directive and by blocked URI.
func (r *Reporter) Statistics() Statistics {
	all := r.violations.All()
	stats := Statistics{
		Total:        len(all),
		ByDirective:  make(map[string]int),
		ByBlockedURI: make(map[string]int),
	}
	for _, v := range all {
		stats.ByDirective[v.Directive()]++
		stats.ByBlockedURI[v.BlockedURI]++
	}
	return stats
}

// ExportDocument is the document written by Export.
type ExportDocument struct {
	ExportedAt time.Time   `json:"exported_at"`
	Statistics Statistics  `json:"statistics"`
	Violations []Violation `json:"violations"`
}

// Export writes the recorded violations as an indented JSON document.
func (r *Reporter) Export(w io.Writer) error {
	doc := ExportDocument{
		ExportedAt: r.now().UTC(),
		Statistics: r.Statistics(),
		Violations: r.Violations(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("exporting csp violations: %w", err)
	}
	return nil
}
