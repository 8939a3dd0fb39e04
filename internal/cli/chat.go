package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/event"
)

const serviceName = "turnloop"

var exitKeywords = map[string]bool{"quit": true, "exit": true, "bye": true}

type chatOptions struct {
	userID    string
	sessionID string
	message   string
}

func newChatCmd(opts *options) *cobra.Command {
	chatOpts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the calculator agent",
		Long: `Start an interactive conversation with the agent. Each line is one turn.
Type quit, exit or bye to leave. Use --message for a single turn.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, chatOpts)
		},
	}

	cmd.Flags().StringVar(&chatOpts.userID, "user", "", "user id (default from config)")
	cmd.Flags().StringVar(&chatOpts.sessionID, "session", "", "session id (default from config)")
	cmd.Flags().StringVarP(&chatOpts.message, "message", "m", "", "send one message and exit")
	return cmd
}

func runChat(cmd *cobra.Command, opts *options, chatOpts *chatOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	userID, sessionID := identity(cfg, chatOpts.userID, chatOpts.sessionID)

	app, err := newApplication(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger := app.logger.Zerolog()
	if cfg.Metrics.Tracing {
		shutdown, err := startTracing(cfg.Metrics.TraceFile)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			defer shutdown()
		}
	}
	if cfg.Metrics.Listen != "" {
		shutdown := serveMetrics(cfg.Metrics.Listen, logger)
		defer shutdown()
	}

	out := cmd.OutOrStdout()
	printBanner(out, app, userID, sessionID)

	if chatOpts.message != "" {
		err = runTurn(ctx, out, app.runner, userID, sessionID, chatOpts.message)
	} else {
		err = chatLoop(ctx, cmd.InOrStdin(), out, app.runner, userID, sessionID)
	}

	if summary, sumErr := app.runner.Summary(context.WithoutCancel(ctx), userID, sessionID); sumErr == nil {
		fmt.Fprintf(out, "\nTotal events in session: %d\n", summary.EventCount)
	}
	return err
}

func identity(cfg *config.Config, userID, sessionID string) (string, string) {
	if userID == "" {
		userID = cfg.App.UserID
	}
	if sessionID == "" {
		sessionID = cfg.App.SessionID
	}
	return userID, sessionID
}

func printBanner(out io.Writer, app *application, userID, sessionID string) {
	fmt.Fprintln(out, "=== turnloop ===")
	fmt.Fprintf(out, "Agent: %s\n", app.agent.Name())
	if app.cfg.Model.Provider == config.ProviderScripted {
		fmt.Fprintln(out, "Model: scripted calculator (offline)")
	} else if app.cfg.Model.BaseURL != "" {
		fmt.Fprintf(out, "Model: %s (%s)\n", app.cfg.Model.Model, app.cfg.Model.BaseURL)
	} else {
		fmt.Fprintf(out, "Model: %s\n", app.cfg.Model.Model)
	}
	fmt.Fprintf(out, "Tools: %s\n", strings.Join(app.agent.ToolNames(), ", "))
	fmt.Fprintf(out, "Session: %s/%s/%s\n", app.runner.AppName(), userID, sessionID)
	fmt.Fprintln(out)
}

// chatLoop runs one turn per input line until an exit keyword, EOF or ctx ends.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, runner *agent.Runner, userID, sessionID string) error {
	fmt.Fprintln(out, "Type 'quit', 'exit' or 'bye' to end the conversation.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if exitKeywords[strings.ToLower(line)] {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		if err := runTurn(ctx, out, runner, userID, sessionID, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The session stays usable after a failed turn.
			continue
		}
	}
}

// runTurn sends one message and prints the turn.
func runTurn(ctx context.Context, out io.Writer, runner *agent.Runner, userID, sessionID, message string) error {
	res, err := agent.Collect(runner.Run(ctx, userID, sessionID, message))
	printTurn(out, res)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return err
}

func printTurn(out io.Writer, res *agent.TurnResult) {
	for _, ev := range res.Events {
		switch ev.Kind {
		case event.KindToolCalls:
			for _, call := range ev.ToolCalls {
				fmt.Fprintf(out, "[Tool Call] %s(%s)\n", call.Name, formatArgs(call.Arguments))
			}
		case event.KindToolResult:
			r := ev.ToolResult
			if r.Failed() {
				fmt.Fprintf(out, "[Tool Result] %s failed: %s\n", r.Name, r.Error.Message)
			} else {
				fmt.Fprintf(out, "[Tool Result] %s returned: %v\n", r.Name, r.Value)
			}
		}
	}

	switch {
	case res.AgentResponse != "":
		fmt.Fprintf(out, "Agent: %s\n", res.AgentResponse)
	case res.CompletedWithoutText():
		fmt.Fprintln(out, "Agent: [Completed tool calls]")
	}

	if res.Status != "" && res.Status != event.StatusComplete {
		fmt.Fprintf(out, "[Turn %s] %s\n", res.Status, res.Reason)
	}
}

func formatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}

// startTracing installs the tracer provider, exporting spans to traceFile when set.
func startTracing(traceFile string) (func(), error) {
	var opts []tracing.Option
	var file *os.File
	if traceFile != "" {
		f, err := os.OpenFile(traceFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		file = f
		opts = append(opts, tracing.WithSpanWriter(f))
	}

	if err := tracing.InitOpenTelemetry(serviceName, opts...); err != nil {
		if file != nil {
			file.Close()
		}
		return nil, err
	}

	return func() {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		if file != nil {
			file.Close()
		}
	}, nil
}

// serveMetrics exposes /metrics until the returned shutdown func is called.
func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
