package ratelimit

import (
	"fmt"
	"time"
)

// Well-known action names.
const (
	ActionMessage    = "message"
	ActionFileUpload = "file_upload"
	ActionGenerate   = "generate"
	ActionAPICall    = "api_call"
	ActionCSPReport  = "csp_report"
)

// DefaultIdentifier is used when a caller passes an empty identifier.
const DefaultIdentifier = "default"

// Config is the admission policy for one action.
type Config struct {
	MaxRequests uint          `json:"max_requests"`
	Window      time.Duration `json:"window"`
	// BlockDuration is how long a key stays blocked after tripping. Zero means
	// the block lasts until the current window expires.
	BlockDuration time.Duration `json:"block_duration,omitempty"`
}

// Validate reports configurations that could never admit a request.
func (c Config) Validate() error {
	if c.MaxRequests == 0 {
		return fmt.Errorf("max_requests must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.BlockDuration < 0 {
		return fmt.Errorf("block duration must not be negative")
	}
	return nil
}

// WaitSeconds is the user-facing wait estimate carried by denial messages.
func (c Config) WaitSeconds() int64 {
	secs := c.Window / time.Second
	if c.Window%time.Second != 0 {
		secs++
	}
	return int64(secs)
}

// DefaultConfigs returns the startup table for the built-in actions.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		ActionMessage:    {MaxRequests: 10, Window: time.Minute, BlockDuration: 30 * time.Second},
		ActionFileUpload: {MaxRequests: 5, Window: time.Minute, BlockDuration: time.Minute},
		ActionGenerate:   {MaxRequests: 20, Window: time.Minute, BlockDuration: 15 * time.Second},
		ActionAPICall:    {MaxRequests: 100, Window: time.Minute},
		ActionCSPReport:  {MaxRequests: 30, Window: time.Minute, BlockDuration: time.Minute},
	}
}

// Entry is the admission state of one (action, identifier) key.
type Entry struct {
	Count       uint      `json:"count"`
	WindowStart time.Time `json:"window_start"`
	Blocked     bool      `json:"blocked"`
	// BlockedUntil is zero when the block is tied to window expiry.
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}
