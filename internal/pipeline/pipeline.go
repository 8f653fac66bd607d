// Package pipeline composes the sanitizer, content rules, rate limiter and
// security monitor into the checks applied to untrusted input.
package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coal/shieldwall/internal/metrics"
	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/policy"
	"github.com/coal/shieldwall/internal/ratelimit"
	"github.com/coal/shieldwall/internal/sanitizer"
)

var requestCounter atomic.Uint64

// Stage names carried by Decision.
const (
	StageRender = "render"
	StageAdmit  = "admit"
	StageUpload = "upload"
)

// EventObserver is a callback function that receives pipeline decisions.
type EventObserver func(d Decision)

// Decision is a single pipeline decision for observers.
type Decision struct {
	Timestamp time.Time     `json:"timestamp"`
	Stage     string        `json:"stage"`
	RequestID string        `json:"request_id,omitempty"`
	Subject   string        `json:"subject"`
	Action    policy.Action `json:"action,omitempty"`
	RuleName  string        `json:"rule_name,omitempty"`
	Blocked   bool          `json:"blocked"`
	Detail    string        `json:"detail,omitempty"`
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	defaultPolicy *sanitizer.Policy
	table         *policy.MatchActionTable
	uploads       policy.UploadPolicy
	limiter       *ratelimit.Limiter
	monitor       *monitor.Monitor
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	now           func() time.Time

	observerMu sync.RWMutex
	observers  []EventObserver
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records admissions and sanitize timings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock replaces time.Now for the pipeline and its rate limiter.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline from a loaded policy. Rate limit events are logged
// to mon.
func New(pol *policy.Policy, mon *monitor.Monitor, opts ...Option) *Pipeline {
	p := &Pipeline{
		defaultPolicy: pol.SanitizerPolicy(),
		table:         policy.BuildTable(pol),
		uploads:       pol.Uploads,
		monitor:       mon,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.limiter = ratelimit.New(
		ratelimit.WithEmitter(mon),
		ratelimit.WithClock(p.now),
		ratelimit.WithLogger(p.logger),
	)
	for action, cfg := range pol.RateLimitConfigs() {
		p.limiter.Configure(action, cfg)
	}
	return p
}

// Limiter returns the pipeline's rate limiter.
func (p *Pipeline) Limiter() *ratelimit.Limiter {
	return p.limiter
}

// Monitor returns the monitor decisions are logged to.
func (p *Pipeline) Monitor() *monitor.Monitor {
	return p.monitor
}

// DefaultPolicy returns the sanitizer policy used when Render gets nil.
func (p *Pipeline) DefaultPolicy() *sanitizer.Policy {
	return p.defaultPolicy
}

// Render prepares untrusted markup from source for display. The content is
// scanned, evaluated against the content rules and then denied, escaped or
// sanitized. A nil sp uses the policy's default sanitizer.
func (p *Pipeline) Render(raw, source string, sp *sanitizer.Policy) *RenderResult {
	if sp == nil {
		sp = p.defaultPolicy
	}
	reqID := fmt.Sprintf("req-%d", requestCounter.Add(1))

	var names, messages []string
	for _, sig := range sanitizer.Detect(raw) {
		names = append(names, sig.Name)
		messages = append(messages, sig.Message)
	}
	if messages == nil {
		messages = []string{}
	}

	facts := &policy.ContentFacts{
		Source: source,
		Policy: sp.Name(),
		Length: len(raw),
		Safe:   len(names) == 0,
		Issues: names,
	}
	rule := p.table.Evaluate(facts)

	rr := &RenderResult{
		RequestID: reqID,
		Source:    source,
		Policy:    sp.Name(),
		Action:    rule.Action,
		RuleName:  rule.RuleName,
		Safe:      facts.Safe,
		Issues:    messages,
	}

	if !facts.Safe {
		p.monitor.LogXSSAttempt(raw, source)
	}

	switch rule.Action {
	case policy.ActionDeny:
		rr.Blocked = true
		rr.DenyMessage = rule.DenyMessage
		if rr.DenyMessage == "" {
			rr.DenyMessage = "content blocked by policy"
		}
	case policy.ActionEscape:
		rr.Output = sanitizer.EscapeText(raw)
		rr.Modified = rr.Output != raw
	case policy.ActionLog:
		p.monitor.LogSuspiciousActivity("Content rule flagged untrusted input", monitor.Details{}.
			With("rule", rule.RuleName).
			With("source", source).
			With("issues", strings.Join(names, ",")))
		p.sanitize(rr, raw, sp)
	default:
		p.sanitize(rr, raw, sp)
	}

	p.logger.Debug().
		Str("request_id", reqID).
		Str("source", source).
		Str("action", string(rule.Action)).
		Str("rule", rule.RuleName).
		Bool("safe", facts.Safe).
		Msg("render")

	p.notify(Decision{
		Timestamp: p.now().UTC(),
		Stage:     StageRender,
		RequestID: reqID,
		Subject:   source,
		Action:    rule.Action,
		RuleName:  rule.RuleName,
		Blocked:   rr.Blocked,
		Detail:    rr.DenyMessage,
	})
	return rr
}

func (p *Pipeline) sanitize(rr *RenderResult, raw string, sp *sanitizer.Policy) {
	start := time.Now()
	rr.Output = sanitizer.Sanitize(raw, sp)
	if p.metrics != nil {
		p.metrics.ObserveSanitize(sp.Name(), time.Since(start))
	}
	if rr.Output != raw {
		rr.Modified = true
		p.monitor.LogSanitization(rr.Source, len(raw), len(rr.Output))
	}
}

// Validate runs the advisory scan on a form field. Unsafe values are logged
// as validation failures and never modified.
func (p *Pipeline) Validate(field, raw string) sanitizer.ValidationResult {
	res := sanitizer.ValidateSafety(raw)
	if !res.Safe {
		p.monitor.LogValidationFailure(field, strings.Join(res.Issues, "; "))
	}
	return res
}

// Admit runs the rate limiter for action on behalf of identifier.
func (p *Pipeline) Admit(action, identifier string) *AdmitResult {
	if identifier == "" {
		identifier = ratelimit.DefaultIdentifier
	}
	allowed := p.limiter.IsAllowed(action, identifier)
	if p.metrics != nil {
		_, configured := p.limiter.Config(action)
		p.metrics.ObserveAdmission(action, configured, allowed)
	}

	ar := &AdmitResult{
		Action:     action,
		Identifier: identifier,
		Allowed:    allowed,
		Remaining:  p.limiter.Remaining(action, identifier),
		ResetAt:    p.limiter.ResetTime(action, identifier),
	}
	if !allowed {
		if cfg, ok := p.limiter.Config(action); ok {
			ar.RetryAfter = cfg.WaitSeconds()
		}
	}

	p.notify(Decision{
		Timestamp: p.now().UTC(),
		Stage:     StageAdmit,
		Subject:   action,
		Blocked:   !allowed,
		Detail:    identifier,
	})
	return ar
}

// CheckUpload validates a file against the upload policy. Rejections are
// logged as invalid uploads.
func (p *Pipeline) CheckUpload(fileName string, size int64, mimeType string) *UploadResult {
	ur := &UploadResult{FileName: fileName, Size: size, MIMEType: mimeType}

	if strings.TrimSpace(fileName) == "" {
		ur.Reason = "file name is required"
		p.monitor.LogValidationFailure("file_name", ur.Reason)
	} else if reason := p.uploads.AllowsUpload(fileName, size, mimeType); reason != "" {
		ur.Reason = reason
		p.monitor.LogInvalidFileUpload(fileName, reason)
	} else if !sanitizer.ValidateSafety(fileName).Safe {
		ur.Reason = "file name contains markup"
		p.monitor.LogInvalidFileUpload(sanitizer.EscapeText(fileName), ur.Reason)
	}
	ur.Allowed = ur.Reason == ""

	p.notify(Decision{
		Timestamp: p.now().UTC(),
		Stage:     StageUpload,
		Subject:   fileName,
		Blocked:   !ur.Allowed,
		Detail:    ur.Reason,
	})
	return ur
}

// AddObserver registers a callback that will be invoked for every decision.
func (p *Pipeline) AddObserver(fn EventObserver) {
	p.observerMu.Lock()
	defer p.observerMu.Unlock()
	p.observers = append(p.observers, fn)
}

// notify sends a decision to all registered observers.
func (p *Pipeline) notify(d Decision) {
	p.observerMu.RLock()
	observers := p.observers
	p.observerMu.RUnlock()

	for _, fn := range observers {
		fn(d)
	}
}
