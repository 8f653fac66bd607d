package sanitizer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// DataAttributes is the wildcard entry that permits every data-* attribute.
const DataAttributes = "data-*"

// DefaultURISchemes accepts http(s), mailto and tel URIs plus scheme-less
// (relative, fragment) references. Values carrying whitespace or control
// characters never match.
var DefaultURISchemes = regexp.MustCompile(`(?i)^(?:(?:https?|mailto|tel):|[^a-z\x00-\x20]|[a-z+.\-]+(?:[^a-z+.\-:\x00-\x20]|$))[^\x00-\x20]*$`)

// urlAttributes hold URIs and are always checked against the policy's scheme pattern.
var urlAttributes = map[string]struct{}{
	"href":       {},
	"src":        {},
	"xlink:href": {},
	"action":     {},
	"formaction": {},
	"poster":     {},
	"cite":       {},
	"background": {},
	"longdesc":   {},
}

// subtreeUnsafe tags are dropped together with their text content. Void
// elements (link, base, embed) have no content and must not be listed here.
var subtreeUnsafe = []string{
	"script", "style", "iframe", "object", "noscript", "template",
	"frame", "frameset", "noframes", "noembed", "title", "xmp", "plaintext",
}

// PolicySpec is the declarative form of a Policy.
type PolicySpec struct {
	AllowedTags         []string
	AllowedAttributes   []string
	ForbiddenTags       []string
	ForbiddenAttributes []string
	AllowedURISchemes   *regexp.Regexp
}

// Policy is an immutable allowlist/denylist configuration. Forbidden entries
// always override allowed ones.
type Policy struct {
	name                string
	allowedTags         map[string]struct{}
	allowedAttributes   map[string]struct{}
	forbiddenTags       map[string]struct{}
	forbiddenAttributes map[string]struct{}
	uriSchemes          *regexp.Regexp

	once     sync.Once
	compiled *bluemonday.Policy
}

// NewPolicy builds a named policy from spec. Names are lower-cased.
func NewPolicy(name string, spec PolicySpec) *Policy {
	p := &Policy{
		name:                name,
		allowedTags:         toSet(spec.AllowedTags),
		allowedAttributes:   toSet(spec.AllowedAttributes),
		forbiddenTags:       toSet(spec.ForbiddenTags),
		forbiddenAttributes: toSet(spec.ForbiddenAttributes),
		uriSchemes:          spec.AllowedURISchemes,
	}
	if p.uriSchemes == nil {
		p.uriSchemes = DefaultURISchemes
	}
	return p
}

// Name returns the policy name.
func (p *Policy) Name() string {
	return p.name
}

// AllowsTag reports whether tag survives sanitization under p.
func (p *Policy) AllowsTag(tag string) bool {
	tag = strings.ToLower(tag)
	if _, forbidden := p.forbiddenTags[tag]; forbidden {
		return false
	}
	_, ok := p.allowedTags[tag]
	return ok
}

// AllowsAttribute reports whether attr survives sanitization under p,
// independent of its value.
func (p *Policy) AllowsAttribute(attr string) bool {
	attr = strings.ToLower(attr)
	if isEventHandler(attr) {
		return false
	}
	if _, forbidden := p.forbiddenAttributes[attr]; forbidden {
		return false
	}
	if _, ok := p.allowedAttributes[attr]; ok {
		return true
	}
	if strings.HasPrefix(attr, "data-") {
		return p.allowsDataAttributes()
	}
	return false
}

// AllowsURI reports whether a URI-valued attribute value is acceptable.
func (p *Policy) AllowsURI(value string) bool {
	return p.uriSchemes.MatchString(value)
}

// Tags returns the effective allowed tags, sorted.
func (p *Policy) Tags() []string {
	var tags []string
	for tag := range p.allowedTags {
		if p.AllowsTag(tag) {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Attributes returns the effective allowed attributes, sorted. The data-*
// wildcard is included when it is in effect.
func (p *Policy) Attributes() []string {
	var attrs []string
	for attr := range p.allowedAttributes {
		if attr == DataAttributes {
			continue
		}
		if p.AllowsAttribute(attr) {
			attrs = append(attrs, attr)
		}
	}
	if p.allowsDataAttributes() {
		attrs = append(attrs, DataAttributes)
	}
	sort.Strings(attrs)
	return attrs
}

// allowsDataAttributes is false whenever any data-* name is forbidden: the
// wildcard cannot carve out single names, so it is disabled entirely.
func (p *Policy) allowsDataAttributes() bool {
	if _, ok := p.allowedAttributes[DataAttributes]; !ok {
		return false
	}
	for attr := range p.forbiddenAttributes {
		if strings.HasPrefix(attr, "data-") {
			return false
		}
	}
	return true
}

// bluemonday returns the compiled policy, building it once.
func (p *Policy) bluemonday() *bluemonday.Policy {
	p.once.Do(func() {
		p.compiled = p.compile()
	})
	return p.compiled
}

func (p *Policy) compile() *bluemonday.Policy {
	bp := bluemonday.NewPolicy()

	if tags := p.Tags(); len(tags) > 0 {
		bp.AllowNoAttrs().OnElements(tags...)
	}

	var plain, uris []string
	for _, attr := range p.Attributes() {
		if attr == DataAttributes {
			bp.AllowDataAttributes()
			continue
		}
		if _, ok := urlAttributes[attr]; ok {
			uris = append(uris, attr)
			continue
		}
		plain = append(plain, attr)
	}
	if len(plain) > 0 {
		bp.AllowAttrs(plain...).Globally()
	}
	if len(uris) > 0 {
		bp.AllowAttrs(uris...).Matching(p.uriSchemes).Globally()
	}

	// Scheme filtering happens on the attribute value above; this only adds
	// bluemonday's parseability checks on linkable elements.
	bp.AllowRelativeURLs(true)
	bp.AllowURLSchemesMatching(anyScheme)

	skip := make([]string, 0, len(subtreeUnsafe))
	for _, tag := range subtreeUnsafe {
		if !p.AllowsTag(tag) {
			skip = append(skip, tag)
		}
	}
	bp.SkipElementsContent(skip...)

	return bp
}

var anyScheme = regexp.MustCompile(`^[a-z][a-z0-9+.\-]*$`)

func isEventHandler(attr string) bool {
	return len(attr) > 2 && strings.HasPrefix(attr, "on")
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = struct{}{}
	}
	return set
}

var commonForbiddenTags = []string{
	"script", "style", "iframe", "object", "embed", "link", "base",
	"form", "input", "button", "textarea", "select", "option", "meta",
	"frame", "frameset", "applet", "noscript", "template", "math",
}

var commonForbiddenAttributes = []string{
	"style", "srcdoc", "formaction", "action", "onerror", "onload",
	"onclick", "onmouseover", "onfocus", "onanimationstart",
}

var strictTags = []string{
	"a", "abbr", "b", "blockquote", "br", "caption", "code", "dd", "del",
	"details", "div", "dl", "dt", "em", "figcaption", "figure",
	"h1", "h2", "h3", "h4", "h5", "h6", "hr", "i", "img", "ins", "kbd",
	"li", "mark", "ol", "p", "pre", "q", "s", "small", "span", "strong",
	"sub", "summary", "sup", "table", "tbody", "td", "tfoot", "th",
	"thead", "tr", "u", "ul",
}

var strictAttributes = []string{
	"href", "src", "alt", "title", "class", "width", "height",
	"colspan", "rowspan", "lang", "dir", DataAttributes,
}

var vectorTags = []string{
	"svg", "g", "path", "circle", "ellipse", "line", "polyline", "polygon",
	"rect", "text", "tspan", "defs", "lineargradient", "radialgradient",
	"stop", "clippath", "mask", "pattern", "symbol", "marker",
}

var vectorAttributes = []string{
	"viewbox", "xmlns", "fill", "fill-opacity", "fill-rule", "stroke",
	"stroke-width", "stroke-linecap", "stroke-linejoin", "stroke-opacity",
	"stroke-dasharray", "d", "cx", "cy", "r", "rx", "ry", "x", "y",
	"x1", "y1", "x2", "y2", "points", "transform", "opacity", "offset",
	"stop-color", "stop-opacity", "gradientunits", "gradienttransform",
	"font-size", "font-family", "font-weight", "text-anchor",
	"dominant-baseline", "preserveaspectratio", "clip-path",
	"clippathunits", "patternunits", "markerwidth", "markerheight",
	"refx", "refy", "orient",
}

// Strict is used for general display of untrusted content.
var Strict = NewPolicy("strict", PolicySpec{
	AllowedTags:         strictTags,
	AllowedAttributes:   strictAttributes,
	ForbiddenTags:       append([]string{"svg"}, commonForbiddenTags...),
	ForbiddenAttributes: append([]string{"xlink:href"}, commonForbiddenAttributes...),
	AllowedURISchemes:   DefaultURISchemes,
})

// Preview extends Strict with SVG/vector primitives for document previews.
var Preview = NewPolicy("preview", PolicySpec{
	AllowedTags:       append(append([]string{}, strictTags...), vectorTags...),
	AllowedAttributes: append(append([]string{}, strictAttributes...), vectorAttributes...),
	ForbiddenTags: append([]string{
		"foreignobject", "use", "animate", "animatemotion", "animatetransform", "set", "image", "feimage",
	}, commonForbiddenTags...),
	ForbiddenAttributes: append([]string{"xlink:href"}, commonForbiddenAttributes...),
	AllowedURISchemes:   DefaultURISchemes,
})

// ByName returns the named built-in policy.
func ByName(name string) (*Policy, error) {
	switch strings.ToLower(name) {
	case "", Strict.name:
		return Strict, nil
	case Preview.name:
		return Preview, nil
	default:
		return nil, fmt.Errorf("unknown sanitizer policy %q", name)
	}
}
