package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/ratelimit"
	"github.com/coal/shieldwall/internal/sanitizer"
)

// LoadFromFile loads a policy from a YAML file.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a Policy.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}
	return &p, nil
}

// Default returns the built-in policy used when no file is given.
func Default() *Policy {
	p := &Policy{
		Version:       "1.0",
		PolicyName:    "builtin",
		Sanitizer:     sanitizer.Strict.Name(),
		DefaultAction: ActionAllow,
		RateLimits:    make(map[string]RateLimit),
	}
	for action, cfg := range ratelimit.DefaultConfigs() {
		p.RateLimits[action] = FromConfig(cfg)
	}
	_ = validate(p)
	return p
}

var validActions = []interface{}{ActionAllow, ActionDeny, ActionEscape, ActionLog}

var validMatchTypes = []interface{}{
	MatchExact, MatchPrefix, MatchGlob, MatchRegex,
	MatchRange, MatchContains, MatchBoolean, MatchThreshold,
}

func (r RateLimit) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRequests, validation.Required),
		validation.Field(&r.WindowMS, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.BlockDurationMS, validation.Min(int64(0))),
	)
}

func (c MatchCondition) Validate() error {
	fields := make([]interface{}, len(Fields))
	for i, f := range Fields {
		fields[i] = f
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Field, validation.Required, validation.In(fields...)),
		validation.Field(&c.MatchType, validation.Required, validation.In(validMatchTypes...)),
	)
}

func (r ContentRule) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Action, validation.Required, validation.In(validActions...)),
		validation.Field(&r.Conditions, validation.Required),
	)
}

// validate checks policy integrity and fills defaults.
func validate(p *Policy) error {
	if p.DefaultAction == "" {
		p.DefaultAction = ActionAllow
	}
	if p.Sanitizer == "" {
		p.Sanitizer = sanitizer.Strict.Name()
	}
	if p.Monitor.ForwardMinSeverity == "" {
		p.Monitor.ForwardMinSeverity = monitor.High.String()
	}

	err := validation.ValidateStruct(p,
		validation.Field(&p.Version, validation.Required.Error("policy version is required")),
		validation.Field(&p.PolicyName, validation.Required.Error("policy_name is required")),
		validation.Field(&p.DefaultAction, validation.In(validActions...)),
		validation.Field(&p.Sanitizer, validation.By(func(v interface{}) error {
			_, err := sanitizer.ByName(v.(string))
			return err
		})),
		validation.Field(&p.ContentRules),
		validation.Field(&p.RateLimits),
		validation.Field(&p.Monitor),
		validation.Field(&p.CSP),
		validation.Field(&p.Uploads),
	)
	if err != nil {
		return err
	}

	for _, rule := range p.ContentRules {
		for i, cond := range rule.Conditions {
			if cond.MatchType != MatchRegex {
				continue
			}
			if _, err := regexp.Compile(fmt.Sprint(cond.Value)); err != nil {
				return fmt.Errorf("content rule %q condition %d: %w", rule.Name, i, err)
			}
		}
	}
	return nil
}

func (m MonitorSettings) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Capacity, validation.Min(0)),
		validation.Field(&m.ForwardMinSeverity, validation.By(func(v interface{}) error {
			s, err := monitor.ParseSeverity(v.(string))
			if err != nil {
				return err
			}
			if s < monitor.High {
				return fmt.Errorf("must be HIGH or CRITICAL")
			}
			return nil
		})),
	)
}

func (c CSPSettings) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Min(0)),
		validation.Field(&c.ReportEndpoint, validation.When(c.ReportEndpoint != "",
			validation.By(func(v interface{}) error {
				s := v.(string)
				if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
					return fmt.Errorf("must be an http(s) URL")
				}
				return nil
			}))),
	)
}

func (u UploadPolicy) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.MaxBytes, validation.Min(int64(0))),
		validation.Field(&u.AllowedExtensions, validation.Each(validation.By(func(v interface{}) error {
			if !strings.HasPrefix(v.(string), ".") {
				return fmt.Errorf("extensions must start with a dot")
			}
			return nil
		}))),
	)
}

// BuildTable creates the content rule table from the policy.
func BuildTable(p *Policy) *MatchActionTable {
	return NewMatchActionTable(p.ContentRules, p.DefaultAction)
}

// Config converts r to a limiter config.
func (r RateLimit) Config() ratelimit.Config {
	return ratelimit.Config{
		MaxRequests:   r.MaxRequests,
		Window:        time.Duration(r.WindowMS) * time.Millisecond,
		BlockDuration: time.Duration(r.BlockDurationMS) * time.Millisecond,
	}
}

// FromConfig converts a limiter config to its file form.
func FromConfig(c ratelimit.Config) RateLimit {
	return RateLimit{
		MaxRequests:     c.MaxRequests,
		WindowMS:        c.Window.Milliseconds(),
		BlockDurationMS: c.BlockDuration.Milliseconds(),
	}
}

// RateLimitConfigs returns the built-in defaults overridden by the file's
// rate_limits entries.
func (p *Policy) RateLimitConfigs() map[string]ratelimit.Config {
	configs := ratelimit.DefaultConfigs()
	for action, r := range p.RateLimits {
		configs[action] = r.Config()
	}
	return configs
}

// ForwardThreshold returns the lowest severity forwarded to external sinks.
func (p *Policy) ForwardThreshold() monitor.Severity {
	s, err := monitor.ParseSeverity(p.Monitor.ForwardMinSeverity)
	if err != nil {
		return monitor.High
	}
	return s
}

// SanitizerPolicy returns the configured default sanitizer policy.
func (p *Policy) SanitizerPolicy() *sanitizer.Policy {
	sp, err := sanitizer.ByName(p.Sanitizer)
	if err != nil {
		return sanitizer.Strict
	}
	return sp
}

// AllowsUpload reports whether a file is acceptable. An empty reason means it
// is.
func (u UploadPolicy) AllowsUpload(name string, size int64, mimeType string) (reason string) {
	if u.MaxBytes > 0 && size > u.MaxBytes {
		return fmt.Sprintf("file exceeds %d bytes", u.MaxBytes)
	}
	if size < 0 {
		return "invalid file size"
	}
	if len(u.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(name))
		if !containsFold(u.AllowedExtensions, ext) {
			return fmt.Sprintf("extension %q is not allowed", ext)
		}
	}
	if len(u.AllowedTypes) > 0 {
		mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
		if !containsFold(u.AllowedTypes, mt) {
			return fmt.Sprintf("type %q is not allowed", mt)
		}
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
