package sanitizer

import "regexp"

// Signature is a single dangerous-pattern detector.
type Signature struct {
	Name    string
	Message string
	Pattern *regexp.Regexp
}

// compile builds a Signature. Panics on invalid patterns (they are compile-time constants).
func compile(name, message, pattern string) Signature {
	return Signature{Name: name, Message: message, Pattern: regexp.MustCompile(pattern)}
}

// Signatures is the fixed, ordered battery run by ValidateSafety. Order
// determines the order of reported issues.
var Signatures = []Signature{
	compile("script_tag", "Script tags are not allowed", `(?i)<\s*script\b`),
	compile("javascript_protocol", "JavaScript protocol is not allowed", `(?i)javascript\s*:`),
	compile("event_handler", "Inline event handlers are not allowed", `(?i)\bon[a-z]+\s*=`),
	compile("iframe_tag", "Iframes are not allowed", `(?i)<\s*iframe\b`),
	compile("eval_call", "eval() is not allowed", `(?i)\beval\s*\(`),
	compile("function_constructor", "Function constructor is not allowed", `\bFunction\s*\(`),
	compile("object_embed_tag", "Object and embed tags are not allowed", `(?i)<\s*(?:object|embed)\b`),
	compile("html_data_uri", "HTML data URIs are not allowed", `(?i)data\s*:\s*text/html`),
	compile("link_tag", "Link tags are not allowed", `(?i)<\s*link\b`),
	compile("base_tag", "Base tags are not allowed", `(?i)<\s*base\b`),
}

// ValidationResult is the outcome of ValidateSafety.
type ValidationResult struct {
	Safe   bool     `json:"safe"`
	Issues []string `json:"issues"`
}

// Detect returns every signature that matches raw, in battery order.
func Detect(raw string) []Signature {
	var matched []Signature
	for _, sig := range Signatures {
		if sig.Pattern.MatchString(raw) {
			matched = append(matched, sig)
		}
	}
	return matched
}

// ValidateSafety scans raw against the signature battery and reports every
// match. It never modifies content.
func ValidateSafety(raw string) ValidationResult {
	issues := []string{}
	for _, sig := range Detect(raw) {
		issues = append(issues, sig.Message)
	}
	return ValidationResult{Safe: len(issues) == 0, Issues: issues}
}
