package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/model"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/toolregistry"
)

// Error codes recorded on failed control events.
const (
	ErrorCodeModelUnavailable = "model_unavailable"
	ErrorCodeModelProtocol    = "model_protocol"
	ErrorCodeInternal         = "internal"
)

// invocation is the state of one Run call. It lives for a single turn.
type invocation struct {
	runner  *Runner
	ref     session.Ref
	id      string
	yield   func(*event.Event, error) bool
	cancel  context.CancelFunc
	persist context.Context
	logger  zerolog.Logger

	stopped bool
	rounds  int
}

func (inv *invocation) author() string {
	return inv.runner.agent.Name()
}

// execute runs the turn until it reaches a control event.
func (inv *invocation) execute(ctx context.Context, message string) (event.Status, error) {
	if err := inv.emit(event.NewText(inv.id, event.AuthorUser, message), nil); err != nil {
		return event.StatusFailed, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return inv.cancelled(err)
		}

		turn, err := inv.generate(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return inv.cancelled(ctxErr)
			}
			return inv.fail(err)
		}

		if turn.Empty() {
			// Silence after a tool round means the model is done with the tools.
			if inv.rounds == 0 {
				return inv.fail(model.Protocol(inv.runner.agent.model.Provider(), ErrEmptyTurn))
			}
			return inv.finish(event.Control{Status: event.StatusComplete}, nil)
		}

		if turn.Text != "" {
			if err := inv.emit(event.NewText(inv.id, inv.author(), turn.Text), nil); err != nil {
				return event.StatusFailed, err
			}
		}
		if !turn.HasToolCalls() {
			return inv.finish(event.Control{Status: event.StatusComplete}, nil)
		}

		// A round past the cap is never started, so every recorded call
		// still has a result.
		if inv.rounds+1 > inv.runner.cfg.MaxIterations {
			inv.logger.Warn().Int("rounds", inv.rounds).Msg("Tool round cap reached, aborting turn")
			return inv.finish(event.Control{Status: event.StatusAborted, Reason: AbortReasonMaxIterations}, nil)
		}
		if err := inv.toolRound(ctx, turn.ToolCalls); err != nil {
			return event.StatusFailed, err
		}
		inv.rounds++
	}
}

// emit appends ev and hands it to the consumer. Appends use a context that
// survives cancellation so a started round is always recorded in full.
func (inv *invocation) emit(ev *event.Event, cause error) error {
	if _, err := inv.runner.cfg.Store.Append(inv.persist, inv.ref, ev); err != nil {
		err = fmt.Errorf("failed to append %s event: %w", ev.Kind, err)
		inv.logger.Error().Err(err).Msg("Failed to persist event")
		inv.send(nil, err)
		return err
	}
	inv.logger.Debug().Int64("sequence", ev.Sequence).Str("kind", string(ev.Kind)).Msg("Event appended")
	inv.send(ev, cause)
	return nil
}

func (inv *invocation) send(ev *event.Event, err error) {
	if inv.stopped {
		return
	}
	if !inv.yield(ev, err) {
		inv.stopped = true
		inv.cancel()
	}
}

func (inv *invocation) finish(ctrl event.Control, cause error) (event.Status, error) {
	if err := inv.emit(event.NewControl(inv.id, inv.author(), ctrl), cause); err != nil {
		return event.StatusFailed, err
	}
	return ctrl.Status, cause
}

func (inv *invocation) cancelled(cause error) (event.Status, error) {
	reason := cause.Error()
	if inv.stopped {
		reason = "consumer stopped reading events"
	}
	inv.logger.Info().Str("reason", reason).Msg("Turn cancelled")
	return inv.finish(event.Control{Status: event.StatusCancelled, Reason: reason}, cause)
}

func (inv *invocation) fail(err error) (event.Status, error) {
	inv.logger.Error().Err(err).Msg("Turn failed")
	return inv.finish(event.Control{
		Status:    event.StatusFailed,
		Reason:    err.Error(),
		ErrorCode: errorCode(err),
	}, err)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrUnavailable):
		return ErrorCodeModelUnavailable
	case errors.Is(err, model.ErrProtocol):
		return ErrorCodeModelProtocol
	default:
		return ErrorCodeInternal
	}
}

// history loads the events sent to the model.
func (inv *invocation) history(ctx context.Context) ([]*event.Event, error) {
	events, err := inv.runner.cfg.Store.Events(ctx, inv.ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return window(events, inv.runner.cfg.HistoryWindow), nil
}

// window keeps roughly the last n events. The window starts at a user message so
// the model never sees a tool result without its request, and it always reaches
// back to the current turn's user message.
func window(events []*event.Event, n int) []*event.Event {
	if n <= 0 || len(events) <= n {
		return events
	}
	start := len(events) - n
	for i := start; i < len(events); i++ {
		if isUserMessage(events[i]) {
			return events[i:]
		}
	}
	for i := start - 1; i >= 0; i-- {
		if isUserMessage(events[i]) {
			return events[i:]
		}
	}
	return events
}

func isUserMessage(ev *event.Event) bool {
	return ev.Kind == event.KindText && ev.Author == event.AuthorUser
}

// generate calls the model, retrying unavailable errors with exponential backoff.
func (inv *invocation) generate(ctx context.Context) (*model.Turn, error) {
	history, err := inv.history(ctx)
	if err != nil {
		return nil, err
	}

	a := inv.runner.agent
	req := model.Request{
		Instruction: a.instruction,
		History:     history,
		Tools:       a.schemas,
	}
	cfg := inv.runner.cfg

	for attempt := 0; ; attempt++ {
		turn, err := inv.callModel(ctx, req)
		if err == nil {
			return turn, nil
		}
		if !model.IsRetryable(err) {
			return nil, err
		}
		if attempt >= cfg.MaxRetries {
			return nil, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, err)
		}

		delay := cfg.RetryBaseDelay << attempt
		observability.RecordModelRetry(a.model.Provider())
		inv.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Model unavailable, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (inv *invocation) callModel(ctx context.Context, req model.Request) (*model.Turn, error) {
	client := inv.runner.agent.model
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.model_call",
		attribute.String("provider", client.Provider()),
		attribute.Int("history", len(req.History)),
	)
	defer span.End()

	start := time.Now()
	turn, err := client.Generate(ctx, req)
	if err == nil {
		turn, err = model.Normalize(client.Provider(), turn)
	}
	observability.RecordModelCall(client.Provider(), time.Since(start), err == nil)
	tracing.Fail(span, err)
	if err != nil {
		return nil, err
	}

	if turn.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.input_tokens", turn.Usage.InputTokens),
			attribute.Int("usage.output_tokens", turn.Usage.OutputTokens),
		)
	}
	inv.logger.Debug().
		Bool("has_text", turn.Text != "").
		Int("tool_calls", len(turn.ToolCalls)).
		Msg("Model turn received")
	return turn, nil
}

// toolRound records the requested calls, runs them and records one result per
// call in request order.
func (inv *invocation) toolRound(ctx context.Context, calls []event.ToolCall) error {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.tool_round",
		attribute.Int("round", inv.rounds+1),
		attribute.Int("calls", len(calls)),
	)
	defer span.End()

	if err := inv.emit(event.NewToolCalls(inv.id, inv.author(), calls), nil); err != nil {
		tracing.Fail(span, err)
		return err
	}

	for _, res := range inv.dispatch(ctx, calls) {
		if err := inv.emit(event.NewToolResult(inv.id, res), nil); err != nil {
			tracing.Fail(span, err)
			return err
		}
	}
	return nil
}

// dispatch runs every call of a round, bounded by ToolConcurrency, and waits for all of them.
func (inv *invocation) dispatch(ctx context.Context, calls []event.ToolCall) []event.ToolResult {
	results := make([]event.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(inv.runner.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = inv.invokeTool(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (inv *invocation) invokeTool(ctx context.Context, call event.ToolCall) event.ToolResult {
	res := event.ToolResult{CallID: call.ID, Name: call.Name}
	logger := inv.logger.With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	if err := ctx.Err(); err != nil {
		res.Error = &event.ToolError{Code: event.ToolErrCancelled, Message: "tool call cancelled before it started"}
		return res
	}

	store := inv.runner.cfg.Store
	callCtx := toolregistry.ContextWithCallInfo(ctx, &toolregistry.CallInfo{
		InvocationID: inv.id,
		CallID:       call.ID,
		SessionKey:   inv.ref.Key(),
		SessionState: session.StateAccessor{Store: store, Ref: inv.ref, Scope: session.ScopeSession},
		UserState:    session.StateAccessor{Store: store, Ref: inv.ref, Scope: session.ScopeUser},
	})

	value, err := inv.runner.agent.tools.Invoke(callCtx, call.Name, call.Arguments)
	if err != nil {
		res.Error = toolregistry.AsToolError(err)
		logger.Warn().Str("code", res.Error.Code).Str("message", res.Error.Message).Msg("Tool call failed")
		observability.RecordToolAudit(ctx, call.Name, inv.ref.Key(), "error", map[string]interface{}{
			"invocation_id": inv.id,
			"call_id":       call.ID,
			"code":          res.Error.Code,
		})
		return res
	}

	logger.Debug().Interface("result", value).Msg("Tool call succeeded")
	observability.RecordToolAudit(ctx, call.Name, inv.ref.Key(), "success", map[string]interface{}{
		"invocation_id": inv.id,
		"call_id":       call.ID,
	})
	res.Value = value
	return res
}
