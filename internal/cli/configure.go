package cli

import (
	"fmt"

	"github.com/harun/turnloop/internal/config"
	"github.com/spf13/cobra"
)

func newConfigureCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run interactive configuration wizard",
		Long: `Run an interactive configuration wizard to set up turnloop.
The wizard will guide you through choosing a model provider, API key, model and log level.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure(cmd, opts)
		},
	}
}

func runConfigure(cmd *cobra.Command, opts *options) error {
	wizard := config.NewWizardIO(cmd.InOrStdin(), cmd.OutOrStdout())

	cfg, err := wizard.Run(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	// Keys left empty are resolved from the environment at startup; validate as startup would.
	probe := *cfg
	config.ResolveCredentials(&probe)
	if err := probe.Validate(); err != nil {
		return err
	}

	loader := config.NewLoader(opts.cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nYou can now start chatting with: turnloop chat")
	return nil
}
