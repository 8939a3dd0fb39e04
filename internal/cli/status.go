package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and stored sessions",
		Long:  `Show the active model and session backend, and list the sessions of a user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if userID == "" {
				userID = cfg.App.UserID
			}

			app, err := newApplication(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "App: %s\n", cfg.App.Name)
			fmt.Fprintf(out, "Model: %s (%s)\n", cfg.Model.Model, app.model.Provider())
			fmt.Fprintf(out, "Session backend: %s\n", app.store.Backend())

			sessions, err := app.store.List(cmd.Context(), cfg.App.Name, userID)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			fmt.Fprintf(out, "Sessions for %s: %d\n", userID, len(sessions))
			for _, s := range sessions {
				fmt.Fprintf(out, "  %s  events=%d  updated %s ago\n", s.SessionID, s.EventCount, formatDuration(time.Since(s.UpdatedAt)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (default from config)")
	return cmd
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
