package cli

import (
	"context"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// options holds the global flags.
type options struct {
	cfgFile  string
	logLevel string
}

// NewRootCmd builds the command tree. Each call returns a fresh tree with its own flag state.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "turnloop",
		Short: "turnloop - tool-using agent runner",
		Long: `turnloop runs a single tool-using agent against a durable, append-only
session log. Each user message starts a turn: the model may request tool calls,
their results are fed back, and the loop ends with a final answer.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.turnloop/turnloop.json)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(
		newChatCmd(opts),
		newHistoryCmd(opts),
		newStatusCmd(opts),
		newConfigureCmd(opts),
	)
	return rootCmd
}

// Execute runs the CLI. This is called by main.main().
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// GetRootCmd returns a fresh root command for testing
func GetRootCmd() *cobra.Command {
	return NewRootCmd()
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
