package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var userID, sessionID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the event log of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			user, sess := identity(cfg, userID, sessionID)

			app, err := newApplication(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			summary, err := app.runner.Summary(cmd.Context(), user, sess)
			if err != nil {
				return fmt.Errorf("failed to read session %s: %w", sess, err)
			}

			out := cmd.OutOrStdout()
			for _, ev := range summary.Events {
				fmt.Fprintln(out, ev.String())
			}
			fmt.Fprintf(out, "Total events in session: %d\n", summary.EventCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (default from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default from config)")
	return cmd
}
