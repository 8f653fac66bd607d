package csp

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coal/shieldwall/internal/monitor"
)

const maxFieldLength = 4096

// Violation is a browser-reported Content-Security-Policy violation. JSON
// uses the hyphenated names of the legacy report format.
type Violation struct {
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer,omitempty"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive"`
	OriginalPolicy     string `json:"original-policy"`
	BlockedURI         string `json:"blocked-uri"`
	SourceFile         string `json:"source-file,omitempty"`
	LineNumber         int    `json:"line-number,omitempty"`
	ColumnNumber       int    `json:"column-number,omitempty"`
	StatusCode         int    `json:"status-code,omitempty"`
	Disposition        string `json:"disposition,omitempty"`
	ScriptSample       string `json:"script-sample,omitempty"`
}

// Validate rejects reports missing the fields needed to classify them.
func (v Violation) Validate() error {
	return validation.ValidateStruct(&v,
		validation.Field(&v.DocumentURI, validation.Required, validation.Length(1, maxFieldLength)),
		validation.Field(&v.ViolatedDirective,
			validation.When(v.EffectiveDirective == "", validation.Required.Error("violated-directive or effective-directive is required")),
			validation.Length(0, maxFieldLength),
		),
		validation.Field(&v.EffectiveDirective, validation.Length(0, maxFieldLength)),
		validation.Field(&v.BlockedURI, validation.Length(0, maxFieldLength)),
		validation.Field(&v.OriginalPolicy, validation.Length(0, maxFieldLength)),
		validation.Field(&v.LineNumber, validation.Min(0)),
		validation.Field(&v.ColumnNumber, validation.Min(0)),
		validation.Field(&v.StatusCode, validation.Min(0)),
		validation.Field(&v.Disposition, validation.In("enforce", "report")),
	)
}

// Directive returns the directive name the violation is attributed to: the
// effective directive, or the first token of the violated directive.
func (v Violation) Directive() string {
	d := strings.TrimSpace(v.EffectiveDirective)
	if d == "" {
		fields := strings.Fields(v.ViolatedDirective)
		if len(fields) > 0 {
			d = fields[0]
		}
	}
	return strings.ToLower(d)
}

// Family folds the -elem and -attr variants into their base directive.
func Family(directive string) string {
	directive = strings.ToLower(strings.TrimSpace(directive))
	if base, ok := strings.CutSuffix(directive, "-elem"); ok {
		return base
	}
	if base, ok := strings.CutSuffix(directive, "-attr"); ok {
		return base
	}
	return directive
}

// OtherFamily stands in for directives outside the CSP Level 3 fetch,
// document and navigation sets.
const OtherFamily = "other"

var knownFamilies = map[string]struct{}{
	"default-src": {}, "script-src": {}, "style-src": {}, "img-src": {},
	"connect-src": {}, "font-src": {}, "object-src": {}, "media-src": {},
	"frame-src": {}, "child-src": {}, "worker-src": {}, "manifest-src": {},
	"prefetch-src": {}, "base-uri": {}, "form-action": {}, "frame-ancestors": {},
	"navigate-to": {}, "sandbox": {}, "plugin-types": {},
	"require-trusted-types-for": {}, "trusted-types": {},
}

// KnownFamily is Family restricted to standard directives. Anything else,
// including attacker-chosen names, folds to OtherFamily.
func KnownFamily(directive string) string {
	f := Family(directive)
	if _, ok := knownFamilies[f]; ok {
		return f
	}
	return OtherFamily
}

// Classify maps a directive to the severity of violating it.
func Classify(directive string) monitor.Severity {
	switch Family(directive) {
	case "script-src", "object-src", "base-uri":
		return monitor.High
	case "style-src", "img-src", "connect-src":
		return monitor.Medium
	default:
		return monitor.Low
	}
}

func (v Violation) details() monitor.Details {
	d := monitor.Details{}.
		With("directive", v.Directive()).
		With("blocked_uri", v.BlockedURI).
		With("document_uri", v.DocumentURI)
	if v.SourceFile != "" {
		d = d.With("source_file", v.SourceFile).
			With("line_number", v.LineNumber).
			With("column_number", v.ColumnNumber)
	}
	if v.Disposition != "" {
		d = d.With("disposition", v.Disposition)
	}
	return d
}
