package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/policy"
	"github.com/coal/shieldwall/internal/sanitizer"
)

var testPolicyFile string

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run built-in markup samples against the policy",
	Long:  "Run a suite of hostile and benign markup samples to verify sanitizer and content rule behavior.",
	RunE:  runTest,
}

func init() {
	testCmd.Flags().StringVar(&testPolicyFile, "policy", "configs/default_policy.yaml", "Path to policy YAML file")
}

type testCase struct {
	name     string
	source   string
	markup   string
	expected string // ALLOW, SANITIZED, ESCAPE or DENY
}

var testCases = []testCase{
	// Hostile markup is neutralized
	{
		name:     "script_tag",
		source:   "chat.message",
		markup:   `<p>hi</p><script>alert(1)</script>`,
		expected: "SANITIZED",
	},
	{
		name:     "img_onerror",
		source:   "chat.message",
		markup:   `<img src="x" onerror="alert(1)">`,
		expected: "SANITIZED",
	},
	{
		name:     "javascript_href",
		source:   "chat.message",
		markup:   `<a href="javascript:alert(1)">click</a>`,
		expected: "SANITIZED",
	},
	{
		name:     "iframe_embed",
		source:   "document.preview",
		markup:   `<iframe src="https://evil.example"></iframe>`,
		expected: "SANITIZED",
	},
	{
		name:     "svg_in_strict",
		source:   "chat.message",
		markup:   `<svg><circle r="5"/></svg>`,
		expected: "SANITIZED",
	},

	// Content rules
	{
		name:     "profile_script_denied",
		source:   "profile.bio",
		markup:   `<script>steal()</script>`,
		expected: "DENY",
	},
	{
		name:     "tool_output_escaped",
		source:   "tool.search",
		markup:   `<b>result</b>`,
		expected: "ESCAPE",
	},

	// Benign markup passes through untouched
	{
		name:     "benign_text",
		source:   "chat.message",
		markup:   "Hello, how are you today?",
		expected: "ALLOW",
	},
	{
		name:     "benign_formatting",
		source:   "chat.message",
		markup:   `<p>Hello <strong>world</strong></p>`,
		expected: "ALLOW",
	},
	{
		name:     "benign_profile_text",
		source:   "profile.bio",
		markup:   "Gardener and amateur astronomer",
		expected: "ALLOW",
	},
}

func runTest(cmd *cobra.Command, args []string) error {
	pol, err := loadPolicy(testPolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	pipe := pipeline.New(pol, monitor.New())

	fmt.Fprintf(os.Stderr, "\n=== Shieldwall Policy Tests ===\n")
	fmt.Fprintf(os.Stderr, "Policy: %s (%s)\n\n", pol.PolicyName, pol.Version)

	passed := 0
	failed := 0

	for _, tc := range testCases {
		result := pipe.Render(tc.markup, tc.source, nil)
		actual := result.Verdict()

		status := "PASS"
		if actual != tc.expected {
			status = "FAIL"
		} else if !result.Blocked && result.Action != policy.ActionEscape && !idempotent(result.Output, pipe.DefaultPolicy()) {
			status = "FAIL"
			actual += " (not idempotent)"
		}
		if status == "FAIL" {
			failed++
		} else {
			passed++
		}

		fmt.Fprintf(os.Stderr, "  [%s] %-24s expected=%-10s got=%-10s",
			status, tc.name, tc.expected, actual)
		if result.RuleName != "" {
			fmt.Fprintf(os.Stderr, " rule=%s", result.RuleName)
		}
		fmt.Fprintln(os.Stderr)
	}

	fmt.Fprintf(os.Stderr, "\n  Results: %d passed, %d failed, %d total\n\n",
		passed, failed, len(testCases))

	if failed > 0 {
		return fmt.Errorf("%d test(s) failed", failed)
	}
	return nil
}

// idempotent reports whether sanitizing clean output again leaves it unchanged.
func idempotent(clean string, p *sanitizer.Policy) bool {
	return sanitizer.Sanitize(clean, p) == clean
}
