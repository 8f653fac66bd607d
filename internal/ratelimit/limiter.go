// Package ratelimit throttles user and agent actions per (action, identifier)
// key with a sliding window and an optional block period.
//
// State is evaluated lazily on access; there are no background timers.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRateLimited is wrapped by the error returned when Attempt is denied.
var ErrRateLimited = errors.New("rate limit exceeded")

// Emitter receives one notification per tripping transition.
type Emitter interface {
	LogRateLimitExceeded(action string, limit uint, identifier string)
}

// Result is the outcome of Attempt.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// sweepEvery is how many admission checks pass between sweeps of expired
// entries.
const sweepEvery = 256

type key struct {
	action     string
	identifier string
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]Config
	entries map[key]*Entry
	checks  uint

	now     func() time.Time
	emitter Emitter
	logger  zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEmitter sets the receiver of rate-limit-exceeded notifications.
func WithEmitter(e Emitter) Option {
	return func(l *Limiter) { l.emitter = e }
}

// WithLogger sets the limiter's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter with no configured actions.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		configs: make(map[string]Config),
		entries: make(map[key]*Entry),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure registers or replaces the policy for action. Existing entries
// for the action are kept and evaluated against the new policy.
func (l *Limiter) Configure(action string, cfg Config) {
	l.mu.Lock()
	l.configs[action] = cfg
	l.mu.Unlock()

	l.logger.Debug().
		Str("action", action).
		Uint("max_requests", cfg.MaxRequests).
		Dur("window", cfg.Window).
		Dur("block_duration", cfg.BlockDuration).
		Msg("rate limit configured")
}

// Config returns the policy for action.
func (l *Limiter) Config(action string) (Config, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, ok := l.configs[action]
	return cfg, ok
}

// Actions returns the configured action names, sorted.
func (l *Limiter) Actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	actions := make([]string, 0, len(l.configs))
	for action := range l.configs {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// IsAllowed records one request for (action, identifier) and reports whether
// it is admitted. Unconfigured actions are always admitted. Exactly
// MaxRequests requests pass per window; the next one blocks the key.
func (l *Limiter) IsAllowed(action, identifier string) bool {
	if identifier == "" {
		identifier = DefaultIdentifier
	}

	l.mu.Lock()
	cfg, ok := l.configs[action]
	if !ok {
		l.mu.Unlock()
		return true
	}

	now := l.now()
	l.checks++
	if l.checks%sweepEvery == 0 {
		l.sweep(now)
	}
	k := key{action: action, identifier: identifier}
	entry := l.entries[k]

	if entry != nil && entry.Blocked {
		if blockActive(entry, cfg, now) {
			l.mu.Unlock()
			return false
		}
		delete(l.entries, k)
		entry = nil
	}

	if entry == nil || now.Sub(entry.WindowStart) > cfg.Window {
		l.entries[k] = &Entry{Count: 1, WindowStart: now}
		l.mu.Unlock()
		return true
	}

	entry.Count++
	if entry.Count <= cfg.MaxRequests {
		l.mu.Unlock()
		return true
	}

	entry.Blocked = true
	if cfg.BlockDuration > 0 {
		entry.BlockedUntil = now.Add(cfg.BlockDuration)
	}
	emitter := l.emitter
	l.mu.Unlock()

	l.logger.Warn().
		Str("action", action).
		Str("identifier", identifier).
		Uint("limit", cfg.MaxRequests).
		Msg("rate limit exceeded")
	if emitter != nil {
		emitter.LogRateLimitExceeded(action, cfg.MaxRequests, identifier)
	}
	return false
}

// sweep drops entries that would be replaced on their next access. Callers
// hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	for k, e := range l.entries {
		cfg, ok := l.configs[k.action]
		if !ok || expired(e, cfg, now) {
			delete(l.entries, k)
		}
	}
}

// expired reports whether e no longer constrains its key at now.
func expired(e *Entry, cfg Config, now time.Time) bool {
	if e.Blocked {
		return !blockActive(e, cfg, now)
	}
	return now.Sub(e.WindowStart) > cfg.Window
}

// blockActive reports whether a blocked entry still denies at now. A block
// without an explicit end lasts until the window it tripped in expires.
func blockActive(e *Entry, cfg Config, now time.Time) bool {
	if !e.BlockedUntil.IsZero() {
		return now.Before(e.BlockedUntil)
	}
	return now.Sub(e.WindowStart) <= cfg.Window
}

// Attempt runs fn when (action, identifier) is admitted. Denials do not call
// fn. Errors and panics from fn are reported as failed results.
func (l *Limiter) Attempt(action string, fn func() (any, error), identifier string) (res Result) {
	if !l.IsAllowed(action, identifier) {
		cfg, _ := l.Config(action)
		err := fmt.Errorf("%w: please wait %d seconds before trying again", ErrRateLimited, cfg.WaitSeconds())
		return Result{Success: false, Error: err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("action", action).Interface("panic", r).Msg("attempt panicked")
			res = Result{Success: false, Error: fmt.Sprint(r)}
		}
	}()

	data, err := fn()
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}

// Remaining returns how many more requests (action, identifier) would be
// admitted right now. Unconfigured actions report math.MaxUint. It does not
// change limiter state.
func (l *Limiter) Remaining(action, identifier string) uint {
	if identifier == "" {
		identifier = DefaultIdentifier
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.configs[action]
	if !ok {
		return math.MaxUint
	}
	entry := l.entries[key{action: action, identifier: identifier}]
	if entry == nil {
		return cfg.MaxRequests
	}

	now := l.now()
	if entry.Blocked {
		if blockActive(entry, cfg, now) {
			return 0
		}
		return cfg.MaxRequests
	}
	if now.Sub(entry.WindowStart) > cfg.Window {
		return cfg.MaxRequests
	}
	if entry.Count >= cfg.MaxRequests {
		return 0
	}
	return cfg.MaxRequests - entry.Count
}

// ResetTime returns when (action, identifier) regains its full budget: the
// block end while blocked with a duration, otherwise the window end. The zero
// time means there is nothing to wait for. It does not change limiter state.
func (l *Limiter) ResetTime(action, identifier string) time.Time {
	if identifier == "" {
		identifier = DefaultIdentifier
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.configs[action]
	if !ok {
		return time.Time{}
	}
	entry := l.entries[key{action: action, identifier: identifier}]
	if entry == nil {
		return time.Time{}
	}
	if expired(entry, cfg, l.now()) {
		return time.Time{}
	}
	if entry.Blocked && !entry.BlockedUntil.IsZero() {
		return entry.BlockedUntil
	}
	return entry.WindowStart.Add(cfg.Window)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of the entry for (action, identifier).
func (l *Limiter) Snapshot(action, identifier string) (Entry, bool) {
	if identifier == "" {
		identifier = DefaultIdentifier
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key{action: action, identifier: identifier}]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Reset clears state for (action, identifier). An empty identifier clears
// every identifier of action.
func (l *Limiter) Reset(action, identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if identifier != "" {
		delete(l.entries, key{action: action, identifier: identifier})
		return
	}
	for k := range l.entries {
		if k.action == action {
			delete(l.entries, k)
		}
	}
}

// ClearAll drops every entry. Configurations are kept.
func (l *Limiter) ClearAll() {
	l.mu.Lock()
	l.entries = make(map[key]*Entry)
	l.mu.Unlock()
}
