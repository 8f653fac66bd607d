package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/sanitizer"
)

var (
	inspectPolicyFile string
	inspectSource     string
	inspectSanitizer  string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [markup | -]",
	Short: "Render a piece of markup and show the decision",
	Long: `Scan the given markup for dangerous patterns, evaluate the content rules and
print the render result. Pass "-" to read the markup from stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectPolicyFile, "policy", "configs/default_policy.yaml", "Path to policy YAML file")
	inspectCmd.Flags().StringVar(&inspectSource, "source", "cli", "Source label the content rules match against")
	inspectCmd.Flags().StringVar(&inspectSanitizer, "sanitizer", "", "Sanitizer policy (strict or preview), defaults to the policy file's")
}

func runInspect(cmd *cobra.Command, args []string) error {
	markup := strings.Join(args, " ")
	if markup == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		markup = string(data)
	}

	pol, err := loadPolicy(inspectPolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	var sp *sanitizer.Policy
	if inspectSanitizer != "" {
		if sp, err = sanitizer.ByName(inspectSanitizer); err != nil {
			return err
		}
	}

	mon := monitor.New(monitor.WithCapacity(pol.Monitor.Capacity))
	pipe := pipeline.New(pol, mon)
	result := pipe.Render(markup, inspectSource, sp)

	fmt.Fprintf(os.Stderr, "\n=== Render ===\n\n")
	fmt.Fprintf(os.Stderr, "Markup: %q\n\n", truncate(markup, 120))

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)

	fmt.Fprintf(os.Stderr, "\n=== Decision ===\n\n")
	fmt.Fprintf(os.Stderr, "  Verdict: %s\n", result.Verdict())
	if result.RuleName != "" {
		fmt.Fprintf(os.Stderr, "  Rule:    %s\n", result.RuleName)
	}
	if result.DenyMessage != "" {
		fmt.Fprintf(os.Stderr, "  Message: %s\n", result.DenyMessage)
	}
	if n := mon.Len(); n > 0 {
		fmt.Fprintf(os.Stderr, "  Events:  %d\n", n)
		for _, e := range mon.Events(monitor.Filter{}) {
			fmt.Fprintf(os.Stderr, "    [%s] %s: %s\n", e.Severity, e.Type, e.Message)
		}
	}
	fmt.Fprintln(os.Stderr)

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
