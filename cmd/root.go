package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coal/shieldwall/internal/policy"
)

// Version is set at build time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "shieldwall",
	Short: "Shieldwall - trust-boundary enforcement for untrusted content",
	Long: `Shieldwall sits between untrusted content and the screens that render it.
It sanitizes markup against strict allowlists, throttles user and agent
actions, and records every security-relevant event for audit and alerting.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("shieldwall v%s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadPolicy reads path, or returns the built-in policy when path is empty.
func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	return policy.LoadFromFile(path)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Str("component", "shieldwall").Logger()
}
