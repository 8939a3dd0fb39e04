package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/session"
)

const tracerName = "turnloop.agent"

// BusyPolicy decides what a run does when its session already has an active turn.
type BusyPolicy string

const (
	// BusyReject fails the second run with session.ErrSessionBusy.
	BusyReject BusyPolicy = "reject"
	// BusyWait blocks the second run until the first one finishes or ctx ends.
	BusyWait BusyPolicy = "wait"
)

const (
	DefaultAppName         = "calculator_app"
	DefaultMaxIterations   = 10
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = time.Second
	DefaultToolConcurrency = 4

	// AbortReasonMaxIterations is recorded when a turn hits the tool round cap.
	AbortReasonMaxIterations = "max iterations exceeded"
)

var (
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrSequenceConsumed = errors.New("turn sequence already consumed")
	ErrEmptyTurn        = errors.New("response has neither text nor tool calls")
)

// RunnerConfig holds runner configuration
type RunnerConfig struct {
	AppName string
	Store   session.Store

	// MaxIterations caps tool rounds per turn.
	MaxIterations int
	// MaxRetries bounds retries of an unavailable model. Zero uses the default, negative disables retries.
	MaxRetries     int
	RetryBaseDelay time.Duration

	// ToolConcurrency bounds parallel tool calls within one round.
	ToolConcurrency int

	BusyPolicy        BusyPolicy
	AutoCreateSession bool

	// HistoryWindow limits how many recent events are sent to the model. Zero sends everything.
	HistoryWindow int

	Logger zerolog.Logger
}

// DefaultRunnerConfig returns defaults for every field except Store.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		AppName:           DefaultAppName,
		MaxIterations:     DefaultMaxIterations,
		MaxRetries:        DefaultMaxRetries,
		RetryBaseDelay:    DefaultRetryBaseDelay,
		ToolConcurrency:   DefaultToolConcurrency,
		BusyPolicy:        BusyReject,
		AutoCreateSession: true,
		Logger:            log.Logger,
	}
}

// Runner executes turns of one agent against a session store.
type Runner struct {
	agent  *Agent
	cfg    RunnerConfig
	logger zerolog.Logger
}

// NewRunner creates a new runner
func NewRunner(a *Agent, cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if a == nil {
		return nil, fmt.Errorf("%w: agent is required", ErrConfiguration)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: session store is required", ErrConfiguration)
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		return nil, fmt.Errorf("%w: app name cannot be empty", ErrConfiguration)
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: max iterations cannot be negative", ErrConfiguration)
	}
	if cfg.HistoryWindow < 0 {
		return nil, fmt.Errorf("%w: history window cannot be negative", ErrConfiguration)
	}

	switch cfg.BusyPolicy {
	case "":
		cfg.BusyPolicy = BusyReject
	case BusyReject, BusyWait:
	default:
		return nil, fmt.Errorf("%w: unknown busy policy %q", ErrConfiguration, cfg.BusyPolicy)
	}

	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}

	return &Runner{
		agent:  a,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "runner").Str("app", cfg.AppName).Logger(),
	}, nil
}

func (r *Runner) Agent() *Agent { return r.agent }

func (r *Runner) AppName() string { return r.cfg.AppName }

func (r *Runner) ref(userID, sessionID string) session.Ref {
	return session.Ref{AppName: r.cfg.AppName, UserID: userID, SessionID: sessionID}
}

// Run returns the lazy event stream of one turn. Nothing happens until the
// sequence is ranged over, and it can be ranged over only once.
//
// Session-level failures are yielded as (nil, err) before any event. A turn that
// ends in failure or cancellation yields its control event together with the cause.
// Breaking out of the loop early cancels the turn; outstanding tool calls are still
// recorded before the sequence returns.
func (r *Runner) Run(ctx context.Context, userID, sessionID, message string) iter.Seq2[*event.Event, error] {
	var consumed atomic.Bool
	return func(yield func(*event.Event, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(nil, ErrSequenceConsumed)
			return
		}
		r.run(ctx, r.ref(userID, sessionID), message, yield)
	}
}

func (r *Runner) run(ctx context.Context, ref session.Ref, message string, yield func(*event.Event, error) bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx, invocationID := tracing.NewInvocationContext(ctx, r.agent.Name())
	ctx = tracing.WithSessionKey(ctx, ref.Key())
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.run",
		attribute.String("session_key", ref.Key()),
		attribute.String("invocation_id", invocationID),
		attribute.String("agent", r.agent.Name()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	reject := func(err error) {
		logger.Warn().Err(err).Msg("Run rejected")
		tracing.Fail(span, err)
		yield(nil, err)
	}

	if strings.TrimSpace(message) == "" {
		reject(ErrEmptyMessage)
		return
	}
	if err := ctx.Err(); err != nil {
		reject(err)
		return
	}

	release, err := r.open(ctx, ref)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			observability.RecordSessionBusy()
		}
		reject(err)
		return
	}
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inv := &invocation{
		runner:  r,
		ref:     ref,
		id:      invocationID,
		yield:   yield,
		cancel:  cancel,
		persist: context.WithoutCancel(ctx),
		logger:  logger,
	}

	logger.Info().Msg("Turn started")
	observability.TurnStarted()
	start := time.Now()

	status, err := inv.execute(runCtx, message)

	observability.RecordTurn(string(status), time.Since(start))
	observability.RecordTurnAudit(ctx, ref.Key(), string(status), map[string]interface{}{
		"invocation_id": inv.id,
		"rounds":        inv.rounds,
	})
	span.SetAttributes(attribute.String("status", string(status)), attribute.Int("rounds", inv.rounds))
	tracing.Fail(span, err)
	logger.Info().
		Str("status", string(status)).
		Int("rounds", inv.rounds).
		Dur("duration", time.Since(start)).
		Msg("Turn finished")
}

// open makes sure the session exists and takes its lease.
func (r *Runner) open(ctx context.Context, ref session.Ref) (func(), error) {
	if r.cfg.AutoCreateSession {
		if _, err := r.cfg.Store.Create(ctx, ref); err != nil && !errors.Is(err, session.ErrSessionExists) {
			return nil, err
		}
	} else if _, err := r.cfg.Store.Get(ctx, ref); err != nil {
		return nil, err
	}
	return r.cfg.Store.Acquire(ctx, ref, r.cfg.BusyPolicy == BusyWait)
}

// Summary reports the full history of a session.
type Summary struct {
	Ref        session.Ref
	EventCount int
	Events     []*event.Event
}

// Summary returns the event count and history of a session.
func (r *Runner) Summary(ctx context.Context, userID, sessionID string) (*Summary, error) {
	ref := r.ref(userID, sessionID)
	events, err := r.cfg.Store.Events(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Summary{Ref: ref, EventCount: len(events), Events: events}, nil
}
