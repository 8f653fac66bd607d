package pipeline

import (
	"time"

	"github.com/coal/shieldwall/internal/policy"
)

// RenderResult captures the full decision chain for one piece of content.
type RenderResult struct {
	RequestID   string        `json:"request_id"`
	Source      string        `json:"source"`
	Policy      string        `json:"policy"`
	Action      policy.Action `json:"action"`
	RuleName    string        `json:"rule_name,omitempty"`
	Safe        bool          `json:"safe"`
	Issues      []string      `json:"issues"`
	Output      string        `json:"output"`
	Modified    bool          `json:"modified"`
	Blocked     bool          `json:"blocked"`
	DenyMessage string        `json:"deny_message,omitempty"`
}

// IsBlocked returns true if the content must not be displayed at all.
func (r *RenderResult) IsBlocked() bool {
	return r.Blocked
}

// Verdict returns the top-level verdict string.
func (r *RenderResult) Verdict() string {
	switch {
	case r.Blocked:
		return "DENY"
	case r.Action == policy.ActionEscape:
		return "ESCAPE"
	case r.Modified:
		return "SANITIZED"
	default:
		return "ALLOW"
	}
}

// AdmitResult is the outcome of a rate limiter check.
type AdmitResult struct {
	Action     string    `json:"action"`
	Identifier string    `json:"identifier"`
	Allowed    bool      `json:"allowed"`
	Remaining  uint      `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	// RetryAfter is the advisory wait in seconds for denied requests.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// UploadResult is the outcome of an upload check.
type UploadResult struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mime_type"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
}
