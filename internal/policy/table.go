package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Fields are the names content rule conditions may refer to.
var Fields = []string{"source", "policy", "length", "safe", "issue_count", "issues"}

type predicate func(*ContentFacts) bool

type compiledRule struct {
	ContentRule
	preds []predicate
}

// NewMatchActionTable creates a table from rules, sorted by priority (highest
// first). Conditions are compiled once here; a condition that cannot be
// compiled never matches.
func NewMatchActionTable(rules []ContentRule, defaultAction Action) *MatchActionTable {
	sorted := make([]ContentRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	t := &MatchActionTable{
		Rules:         sorted,
		DefaultAction: defaultAction,
		compiled:      make([]compiledRule, 0, len(sorted)),
	}
	for _, r := range sorted {
		cr := compiledRule{ContentRule: r}
		for _, cond := range r.Conditions {
			cr.preds = append(cr.preds, compileCondition(cond))
		}
		t.compiled = append(t.compiled, cr)
	}
	return t
}

// Evaluate runs facts against the table. First matching rule wins; equal
// priorities keep file order.
func (t *MatchActionTable) Evaluate(facts *ContentFacts) RuleResult {
	for _, r := range t.compiled {
		if r.matches(facts) {
			return RuleResult{
				Matched:     true,
				RuleName:    r.Name,
				Action:      r.Action,
				DenyMessage: r.DenyMessage,
			}
		}
	}
	return RuleResult{Action: t.DefaultAction}
}

// matches reports whether every condition holds. A rule without conditions
// never matches.
func (r compiledRule) matches(facts *ContentFacts) bool {
	if len(r.preds) == 0 {
		return false
	}
	for _, p := range r.preds {
		if !p(facts) {
			return false
		}
	}
	return true
}

func compileCondition(cond MatchCondition) predicate {
	p := compileMatch(cond)
	if cond.Negate {
		return func(f *ContentFacts) bool { return !p(f) }
	}
	return p
}

func compileMatch(cond MatchCondition) predicate {
	field := cond.Field
	want := fmt.Sprintf("%v", cond.Value)

	switch cond.MatchType {
	case MatchBoolean:
		wb := toBool(cond.Value)
		return func(f *ContentFacts) bool { return toBool(scalar(field, f)) == wb }
	case MatchExact:
		return anyText(field, func(s string) bool { return s == want })
	case MatchPrefix:
		return anyText(field, func(s string) bool { return strings.HasPrefix(s, want) })
	case MatchContains:
		return anyText(field, func(s string) bool { return strings.Contains(s, want) })
	case MatchGlob:
		return anyText(field, func(s string) bool {
			ok, err := filepath.Match(want, s)
			return err == nil && ok
		})
	case MatchRegex:
		re, err := regexp.Compile(want)
		if err != nil {
			return never
		}
		return anyText(field, re.MatchString)
	case MatchThreshold:
		floor := toFloat64(cond.Value)
		return func(f *ContentFacts) bool { return toFloat64(scalar(field, f)) >= floor }
	case MatchRange:
		lo, hi, ok := parseRange(want)
		if !ok {
			return never
		}
		return func(f *ContentFacts) bool {
			v := toFloat64(scalar(field, f))
			return v >= lo && v <= hi
		}
	default:
		return never
	}
}

func never(*ContentFacts) bool { return false }

// anyText matches when fn holds for the field's text. List fields match when
// any element does.
func anyText(field string, fn func(string) bool) predicate {
	return func(f *ContentFacts) bool {
		if field == "issues" {
			for _, s := range f.Issues {
				if fn(s) {
					return true
				}
			}
			return false
		}
		v := scalar(field, f)
		if v == nil {
			return false
		}
		return fn(fmt.Sprintf("%v", v))
	}
}

func scalar(field string, f *ContentFacts) any {
	switch field {
	case "source":
		return f.Source
	case "policy":
		return f.Policy
	case "length":
		return f.Length
	case "safe":
		return f.Safe
	case "issue_count":
		return len(f.Issues)
	default:
		return nil
	}
}

// parseRange reads "min-max".
func parseRange(s string) (lo, hi float64, ok bool) {
	a, b, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseFloat(strings.TrimSpace(a), 64)
	hi, err2 := strconv.ParseFloat(strings.TrimSpace(b), 64)
	return lo, hi, err1 == nil && err2 == nil
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	case int:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
