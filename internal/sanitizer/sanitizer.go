// Package sanitizer neutralizes untrusted markup before it is displayed.
//
// Sanitize filters markup down to a policy's allowlist. ValidateSafety is a
// separate, purely diagnostic scan used to decide whether to warn before
// sanitizing. EscapeText and StripToText cover contexts where content must
// never be interpreted as markup.
//
// Every public function is total: internal failures yield the empty string
// rather than partially filtered output.
package sanitizer

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Sanitize filters raw down to the tags, attributes and URI schemes that p
// allows. A nil policy means Strict. Invalid UTF-8 sequences become U+FFFD.
func Sanitize(raw string, p *Policy) (clean string) {
	if raw == "" {
		return ""
	}
	if p == nil {
		p = Strict
	}
	defer func() {
		if r := recover(); r != nil {
			clean = ""
		}
	}()
	return p.bluemonday().Sanitize(strings.ToValidUTF8(raw, "\uFFFD"))
}

// Sanitizer binds Sanitize to a single policy.
type Sanitizer struct {
	policy *Policy
}

// New creates a Sanitizer for p (Strict when nil).
func New(p *Policy) *Sanitizer {
	if p == nil {
		p = Strict
	}
	return &Sanitizer{policy: p}
}

// Sanitize filters raw with the bound policy.
func (s *Sanitizer) Sanitize(raw string) string {
	return Sanitize(raw, s.policy)
}

// Policy returns the bound policy.
func (s *Sanitizer) Policy() *Policy {
	return s.policy
}

var textEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// EscapeText escapes the five HTML-significant characters so text renders
// literally. All other characters pass through unchanged.
func EscapeText(text string) string {
	if text == "" {
		return ""
	}
	return textEscaper.Replace(text)
}

// StripToText removes all markup and returns the concatenated text content.
// Whitespace runs are left as they are.
func StripToText(markup string) (text string) {
	if markup == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			text = ""
		}
	}()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	return doc.Text()
}
