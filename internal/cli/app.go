package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/internal/logger"
	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/calctools"
	"github.com/harun/turnloop/pkg/model"
	"github.com/harun/turnloop/pkg/model/modeltest"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/toolregistry"
)

// application is the wired engine behind the chat, history and status commands.
type application struct {
	cfg    *config.Config
	logger *logger.Logger
	store  session.Store
	model  model.Client
	tools  *toolregistry.Registry
	agent  *agent.Agent
	runner *agent.Runner
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.NewLoader(opts.cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApplication wires logging, the session store, the model client, the tools,
// the agent and the runner. Log output goes to logOut.
func newApplication(cfg *config.Config, logOut io.Writer) (*application, error) {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Output:    logOut,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &application{cfg: cfg, logger: lg}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.cfg

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	store, err := session.Open(cfg.Session.Backend, cfg.Session.Path)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = store

	client, err := buildModel(cfg.Model)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	a.model = client

	a.tools = toolregistry.New(
		toolregistry.WithTimeout(cfg.Runner.ToolTimeout()),
		toolregistry.WithLogger(a.logger.Zerolog()),
	)
	if err := calctools.RegisterAll(a.tools); err != nil {
		return err
	}

	a.agent, err = agent.New(agent.Config{
		Name:        cfg.Agent.Name,
		Instruction: cfg.Agent.Instruction,
		Model:       client,
		Tools:       a.tools,
	})
	if err != nil {
		return err
	}

	a.runner, err = agent.NewRunner(a.agent, agent.RunnerConfig{
		AppName:           cfg.App.Name,
		Store:             store,
		MaxIterations:     cfg.Runner.MaxIterations,
		MaxRetries:        cfg.Runner.MaxRetries,
		RetryBaseDelay:    cfg.Runner.RetryBaseDelay(),
		ToolConcurrency:   cfg.Runner.ToolConcurrency,
		BusyPolicy:        agent.BusyPolicy(cfg.Runner.BusyPolicy),
		AutoCreateSession: cfg.Runner.AutoCreateSession,
		HistoryWindow:     cfg.Runner.HistoryWindow,
		Logger:            a.logger.Zerolog(),
	})
	return err
}

func buildModel(cfg config.ModelConfig) (model.Client, error) {
	if cfg.Provider == config.ProviderScripted {
		return modeltest.NewCalculatorModel(), nil
	}
	return model.New(model.Config{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
}

// Close releases the store, the audit file and the log file.
func (a *application) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.cfg.Logging.AuditFile != "" {
		errs = append(errs, observability.GetAuditLogger().Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}
