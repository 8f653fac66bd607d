package policy

// Action is what happens to content when a rule matches.
type Action string

const (
	// ActionAllow renders the sanitized content.
	ActionAllow Action = "ALLOW"
	// ActionDeny rejects the content outright.
	ActionDeny Action = "DENY"
	// ActionEscape renders the content as literal text.
	ActionEscape Action = "ESCAPE"
	// ActionLog renders the sanitized content and raises a suspicious activity event.
	ActionLog Action = "LOG"
)

// MatchType represents the type of match operation for a condition.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchPrefix    MatchType = "prefix"
	MatchGlob      MatchType = "glob"
	MatchRegex     MatchType = "regex"
	MatchRange     MatchType = "range"
	MatchContains  MatchType = "contains"
	MatchBoolean   MatchType = "boolean"
	MatchThreshold MatchType = "threshold"
)

// MatchCondition is a single match predicate in a rule.
type MatchCondition struct {
	Field     string    `yaml:"field" json:"field"`
	MatchType MatchType `yaml:"match_type" json:"match_type"`
	Value     any       `yaml:"value" json:"value"`
	Negate    bool      `yaml:"negate,omitempty" json:"negate,omitempty"`
}

// ContentRule decides what to do with untrusted content before rendering.
type ContentRule struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Priority    int              `yaml:"priority" json:"priority"`
	Action      Action           `yaml:"action" json:"action"`
	DenyMessage string           `yaml:"deny_message,omitempty" json:"deny_message,omitempty"`
	Conditions  []MatchCondition `yaml:"conditions" json:"conditions"`
}

// RateLimit is the file form of a rate limiter config. Durations are in
// milliseconds.
type RateLimit struct {
	MaxRequests     uint  `yaml:"max_requests" json:"max_requests"`
	WindowMS        int64 `yaml:"window_ms" json:"window_ms"`
	BlockDurationMS int64 `yaml:"block_duration_ms,omitempty" json:"block_duration_ms,omitempty"`
}

// MonitorSettings configures the security monitor.
type MonitorSettings struct {
	Capacity           int    `yaml:"capacity" json:"capacity"`
	ForwardMinSeverity string `yaml:"forward_min_severity" json:"forward_min_severity"`
}

// CSPSettings configures the CSP violation reporter.
type CSPSettings struct {
	Capacity       int    `yaml:"capacity" json:"capacity"`
	ReportEndpoint string `yaml:"report_endpoint" json:"report_endpoint"`
}

// UploadPolicy restricts accepted file uploads.
type UploadPolicy struct {
	MaxBytes          int64    `yaml:"max_bytes" json:"max_bytes"`
	AllowedTypes      []string `yaml:"allowed_types" json:"allowed_types"`
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions"`
}

// Policy is the top-level policy configuration loaded from YAML.
type Policy struct {
	Version       string               `yaml:"version" json:"version"`
	PolicyName    string               `yaml:"policy_name" json:"policy_name"`
	Sanitizer     string               `yaml:"sanitizer" json:"sanitizer"`
	DefaultAction Action               `yaml:"default_action" json:"default_action"`
	ContentRules  []ContentRule        `yaml:"content_rules" json:"content_rules"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits" json:"rate_limits"`
	Monitor       MonitorSettings      `yaml:"monitor" json:"monitor"`
	CSP           CSPSettings          `yaml:"csp" json:"csp"`
	Uploads       UploadPolicy         `yaml:"uploads" json:"uploads"`
}

// ContentFacts is what content rules are evaluated against.
type ContentFacts struct {
	Source string
	Policy string
	Length int
	Safe   bool
	// Issues holds the names of the matching unsafe-content signatures.
	Issues []string
}

// MatchActionTable holds a sorted list of rules and a default action.
type MatchActionTable struct {
	Rules         []ContentRule
	DefaultAction Action

	compiled []compiledRule
}

// RuleResult captures which rule matched and what action was taken.
type RuleResult struct {
	Matched     bool   `json:"matched"`
	RuleName    string `json:"rule_name,omitempty"`
	Action      Action `json:"action"`
	DenyMessage string `json:"deny_message,omitempty"`
}
