package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/calctools"
	"github.com/harun/turnloop/pkg/event"
	"github.com/harun/turnloop/pkg/model"
	"github.com/harun/turnloop/pkg/model/modeltest"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/toolregistry"
)

const (
	testUser    = "demo_user"
	testSession = "demo_session_001"
)

func setupRegistry(t *testing.T) *toolregistry.Registry {
	t.Helper()
	reg := toolregistry.New()
	require.NoError(t, calctools.RegisterAll(reg))
	return reg
}

func setupRunner(t *testing.T, client model.Client, reg *toolregistry.Registry, opts ...func(*RunnerConfig)) (*Runner, session.Store) {
	t.Helper()
	if reg == nil {
		reg = setupRegistry(t)
	}
	a, err := New(Config{Name: "calculator_agent", Instruction: DefaultInstruction, Model: client, Tools: reg})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	cfg := DefaultRunnerConfig()
	cfg.Store = store
	cfg.RetryBaseDelay = time.Millisecond
	cfg.Logger = zerolog.Nop()
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := NewRunner(a, cfg)
	require.NoError(t, err)
	return r, store
}

// blockingTool registers "wait", which signals started and then blocks until
// release is closed or its context ends.
func blockingTool(t *testing.T, reg *toolregistry.Registry, started chan<- struct{}, release <-chan struct{}) {
	t.Helper()
	var once sync.Once
	require.NoError(t, reg.Register(toolregistry.ToolDefinition{
		Name:        "wait",
		Description: "Blocks until released",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			once.Do(func() { close(started) })
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
}

func storedEvents(t *testing.T, store session.Store) []*event.Event {
	t.Helper()
	events, err := store.Events(context.Background(), session.Ref{AppName: DefaultAppName, UserID: testUser, SessionID: testSession})
	require.NoError(t, err)
	return events
}

func kinds(events []*event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func addArgs(a, b float64) map[string]interface{} {
	return map[string]interface{}{"a": a, "b": b}
}

func TestRun_ToolCallThenAnswer(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Calls(modeltest.Call("c1", "add", addArgs(15, 27))),
		modeltest.Text("42"),
	)
	runner, store := setupRunner(t, client, nil)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 15 + 27?"))
	require.NoError(t, err)

	assert.Equal(t, "42", result.AgentResponse)
	assert.Equal(t, event.StatusComplete, result.Status)
	assert.False(t, result.CompletedWithoutText())
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "add", result.ToolCalls[0].Name)
	require.Len(t, result.ToolResults, 1)
	assert.Equal(t, 42.0, result.ToolResults[0].Value)
	assert.Equal(t, "c1", result.ToolResults[0].CallID)

	events := storedEvents(t, store)
	assert.Equal(t, []event.Kind{
		event.KindText, event.KindToolCalls, event.KindToolResult, event.KindText, event.KindControl,
	}, kinds(events))
	assert.Equal(t, []string{"user", "calculator_agent", "tool", "calculator_agent", "calculator_agent"},
		[]string{events[0].Author, events[1].Author, events[2].Author, events[3].Author, events[4].Author})
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, events[0].InvocationID, ev.InvocationID)
	}

	// The second model call sees the tool result.
	requests := client.Requests()
	require.Len(t, requests, 2)
	assert.Len(t, requests[0].History, 1)
	last := requests[1].History[len(requests[1].History)-1]
	assert.Equal(t, event.KindToolResult, last.Kind)
	assert.Equal(t, DefaultInstruction, requests[0].Instruction)
	assert.Len(t, requests[0].Tools, 4)

	// The tool recorded its result in session state.
	v, err := store.GetState(context.Background(), session.Ref{AppName: DefaultAppName, UserID: testUser, SessionID: testSession}, session.ScopeSession, calctools.LastResultKey)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	summary, err := runner.Summary(context.Background(), testUser, testSession)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.EventCount)
}

func TestRun_ToolErrorIsFedBack(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Calls(modeltest.Call("c1", "divide", addArgs(10, 0))),
		modeltest.Text("You cannot divide by zero."),
	)
	runner, _ := setupRunner(t, client, nil)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 10 / 0?"))
	require.NoError(t, err)

	assert.Equal(t, event.StatusComplete, result.Status)
	assert.Equal(t, "You cannot divide by zero.", result.AgentResponse)
	require.Len(t, result.ToolResults, 1)
	require.True(t, result.ToolResults[0].Failed())
	assert.Equal(t, event.ToolErrExecution, result.ToolResults[0].Error.Code)
	assert.Equal(t, "division by zero", result.ToolResults[0].Error.Message)

	requests := client.Requests()
	require.Len(t, requests, 2)
	last := requests[1].History[len(requests[1].History)-1]
	assert.True(t, last.ToolResult.Failed())
}

func TestRun_InvalidToolCallsAreFedBack(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Calls(
			modeltest.Call("c1", "sqrt", map[string]interface{}{"x": 4.0}),
			modeltest.Call("c2", "add", map[string]interface{}{"a": "fifteen", "b": 27.0}),
			modeltest.Call("c3", "multiply", addArgs(6, 7)),
		),
		modeltest.Text("Only multiply worked: 42."),
	)
	runner, _ := setupRunner(t, client, nil)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "Try a few things"))
	require.NoError(t, err)
	assert.Equal(t, event.StatusComplete, result.Status)

	require.Len(t, result.ToolResults, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"},
		[]string{result.ToolResults[0].CallID, result.ToolResults[1].CallID, result.ToolResults[2].CallID})
	assert.Equal(t, event.ToolErrUnknownTool, result.ToolResults[0].Error.Code)
	assert.Equal(t, event.ToolErrInvalidArguments, result.ToolResults[1].Error.Code)
	assert.False(t, result.ToolResults[2].Failed())
	assert.Equal(t, 42.0, result.ToolResults[2].Value)
}

func TestRun_ResultsFollowRequestOrder(t *testing.T) {
	reg := setupRegistry(t)
	require.NoError(t, reg.Register(toolregistry.ToolDefinition{
		Name:        "slow",
		Description: "Returns after a delay",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow", nil
		},
	}))
	client := modeltest.NewScriptedModel(
		modeltest.Calls(
			modeltest.Call("c1", "slow", nil),
			modeltest.Call("c2", "add", addArgs(1, 2)),
		),
		modeltest.Text("done"),
	)
	runner, _ := setupRunner(t, client, reg)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "go"))
	require.NoError(t, err)
	require.Len(t, result.ToolResults, 2)
	assert.Equal(t, "c1", result.ToolResults[0].CallID)
	assert.Equal(t, "c2", result.ToolResults[1].CallID)
}

func TestRun_IterationCap(t *testing.T) {
	t.Run("model that never stops is aborted", func(t *testing.T) {
		client := modeltest.NewScriptedModel(
			modeltest.Calls(modeltest.Call("c1", "add", addArgs(1, 1))),
			modeltest.Calls(modeltest.Call("c2", "add", addArgs(1, 1))),
			modeltest.Calls(modeltest.Call("c3", "add", addArgs(1, 1))),
			modeltest.Calls(modeltest.Call("c4", "add", addArgs(1, 1))),
		)
		runner, store := setupRunner(t, client, nil, func(cfg *RunnerConfig) {
			cfg.MaxIterations = 3
		})

		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "loop forever"))
		require.NoError(t, err)

		assert.Equal(t, event.StatusAborted, result.Status)
		assert.Equal(t, AbortReasonMaxIterations, result.Reason)
		assert.Len(t, result.ToolCalls, 3)
		assert.Len(t, result.ToolResults, 3)
		assert.False(t, result.CompletedWithoutText())
		assert.Equal(t, 4, client.CallCount())

		events := storedEvents(t, store)
		assert.Len(t, events, 1+3*2+1)
		assert.True(t, events[len(events)-1].IsTerminal())
	})

	t.Run("endless tool calls stop at the cap", func(t *testing.T) {
		runner, _ := setupRunner(t, modeltest.AlwaysToolCalls("add", addArgs(1, 1)), nil, func(cfg *RunnerConfig) {
			cfg.MaxIterations = 2
		})

		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "loop forever"))
		require.NoError(t, err)
		assert.Equal(t, event.StatusAborted, result.Status)
		assert.Len(t, result.ToolResults, 2)
	})

	t.Run("answer after the last allowed round completes", func(t *testing.T) {
		client := modeltest.NewScriptedModel(
			modeltest.Calls(modeltest.Call("c1", "add", addArgs(1, 1))),
			modeltest.Text("2"),
		)
		runner, _ := setupRunner(t, client, nil, func(cfg *RunnerConfig) {
			cfg.MaxIterations = 1
		})

		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 1 + 1?"))
		require.NoError(t, err)
		assert.Equal(t, event.StatusComplete, result.Status)
		assert.Equal(t, "2", result.AgentResponse)
		assert.Equal(t, 2, client.CallCount())
	})
}

func TestRun_EmptyReply(t *testing.T) {
	t.Run("after a tool round completes the turn", func(t *testing.T) {
		client := modeltest.NewScriptedModel(
			modeltest.Calls(modeltest.Call("c1", "add", addArgs(15, 27))),
			modeltest.Response{},
		)
		runner, store := setupRunner(t, client, nil)

		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 15 + 27?"))
		require.NoError(t, err)

		assert.Equal(t, event.StatusComplete, result.Status)
		assert.Empty(t, result.AgentResponse)
		assert.True(t, result.CompletedWithoutText())
		require.Len(t, result.ToolResults, 1)
		assert.Equal(t, 42.0, result.ToolResults[0].Value)

		events := storedEvents(t, store)
		assert.Equal(t, []event.Kind{event.KindText, event.KindToolCalls, event.KindToolResult, event.KindControl}, kinds(events))
	})

	t.Run("as the first reply fails the turn", func(t *testing.T) {
		client := modeltest.NewScriptedModel(modeltest.Response{})
		runner, _ := setupRunner(t, client, nil)

		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "hello"))
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrProtocol)
		assert.ErrorIs(t, err, ErrEmptyTurn)
		assert.Equal(t, event.StatusFailed, result.Status)
		assert.False(t, result.CompletedWithoutText())
	})
}

func TestRun_RetriesUnavailableModel(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Fail(model.Unavailable(modeltest.ProviderName, errors.New("503 service unavailable"))),
		modeltest.Text("Hello!"),
	)
	runner, _ := setupRunner(t, client, nil)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", result.AgentResponse)
	assert.Equal(t, 2, client.CallCount())
}

func TestRun_RetriesExhausted(t *testing.T) {
	unavailable := modeltest.Fail(model.Unavailable(modeltest.ProviderName, errors.New("connection reset")))
	client := modeltest.NewScriptedModel(unavailable, unavailable, unavailable, unavailable)
	runner, store := setupRunner(t, client, nil, func(cfg *RunnerConfig) {
		cfg.MaxRetries = 2
	})

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.Equal(t, 3, client.CallCount())
	assert.Equal(t, event.StatusFailed, result.Status)

	events := storedEvents(t, store)
	require.Len(t, events, 2)
	assert.Equal(t, ErrorCodeModelUnavailable, events[1].Control.ErrorCode)
}

func TestRun_ProtocolErrorIsNotRetried(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Calls(modeltest.Call("c1", "add", addArgs(2, 2))),
		modeltest.Fail(model.Protocol(modeltest.ProviderName, errors.New("malformed tool call"))),
	)
	runner, store := setupRunner(t, client, nil)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 2 + 2?"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrProtocol)
	assert.Equal(t, 2, client.CallCount())
	assert.Equal(t, event.StatusFailed, result.Status)

	// Nothing already appended is rolled back.
	events := storedEvents(t, store)
	assert.Equal(t, []event.Kind{
		event.KindText, event.KindToolCalls, event.KindToolResult, event.KindControl,
	}, kinds(events))
	assert.Equal(t, ErrorCodeModelProtocol, events[3].Control.ErrorCode)
}

func TestRun_ConcurrentRunIsRejected(t *testing.T) {
	reg := setupRegistry(t)
	started, release := make(chan struct{}), make(chan struct{})
	blockingTool(t, reg, started, release)

	client := modeltest.NewScriptedModel(
		modeltest.Calls(modeltest.Call("c1", "wait", nil)),
		modeltest.Text("first done"),
	)
	runner, store := setupRunner(t, client, reg)

	done := make(chan *TurnResult, 1)
	go func() {
		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "first"))
		assert.NoError(t, err)
		done <- result
	}()
	<-started

	second, err := Collect(runner.Run(context.Background(), testUser, testSession, "second"))
	assert.ErrorIs(t, err, session.ErrSessionBusy)
	assert.Empty(t, second.Events)

	close(release)
	first := <-done
	assert.Equal(t, event.StatusComplete, first.Status)

	events := storedEvents(t, store)
	assert.Len(t, events, 5)
	for _, ev := range events {
		assert.NotEqual(t, "second", ev.Text)
	}
}

func TestRun_WaitPolicySerializesTurns(t *testing.T) {
	reg := setupRegistry(t)
	started, release := make(chan struct{}), make(chan struct{})
	blockingTool(t, reg, started, release)

	client := modeltest.NewScriptedModel(
		modeltest.Calls(modeltest.Call("c1", "wait", nil)),
		modeltest.Text("first done"),
		modeltest.Text("second done"),
	)
	runner, store := setupRunner(t, client, reg, func(cfg *RunnerConfig) {
		cfg.BusyPolicy = BusyWait
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := Collect(runner.Run(context.Background(), testUser, testSession, "first"))
		assert.NoError(t, err)
	}()
	<-started

	wg.Add(1)
	secondDone := make(chan *TurnResult, 1)
	go func() {
		defer wg.Done()
		result, err := Collect(runner.Run(context.Background(), testUser, testSession, "second"))
		assert.NoError(t, err)
		secondDone <- result
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	second := <-secondDone
	assert.Equal(t, "second done", second.AgentResponse)

	events := storedEvents(t, store)
	require.Len(t, events, 8)
	assert.True(t, events[4].IsTerminal())
	assert.Equal(t, "second", events[5].Text)
	assert.NotEqual(t, events[0].InvocationID, events[5].InvocationID)
}

func TestRun_CancellationRecordsEveryResult(t *testing.T) {
	reg := setupRegistry(t)
	started, release := make(chan struct{}), make(chan struct{})
	blockingTool(t, reg, started, release)

	client := modeltest.NewScriptedModel(
		modeltest.Calls(
			modeltest.Call("c1", "add", addArgs(15, 27)),
			modeltest.Call("c2", "wait", nil),
		),
		modeltest.Text("never reached"),
	)
	// One call at a time, so add finishes before wait starts and triggers the cancel.
	runner, store := setupRunner(t, client, reg, func(cfg *RunnerConfig) {
		cfg.ToolConcurrency = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := Collect(runner.Run(ctx, testUser, testSession, "What is 15 + 27?"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, event.StatusCancelled, result.Status)
	assert.Equal(t, 1, client.CallCount())

	events := storedEvents(t, store)
	assert.Equal(t, []event.Kind{
		event.KindText, event.KindToolCalls, event.KindToolResult, event.KindToolResult, event.KindControl,
	}, kinds(events))
	assert.Equal(t, "c1", events[2].ToolResult.CallID)
	assert.Equal(t, 42.0, events[2].ToolResult.Value)
	assert.Equal(t, "c2", events[3].ToolResult.CallID)
	assert.Equal(t, event.ToolErrCancelled, events[3].ToolResult.Error.Code)
	assert.Equal(t, event.StatusCancelled, events[4].Control.Status)
}

func TestRun_ConsumerBreakCancelsTurn(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Calls(
			modeltest.Call("c1", "add", addArgs(1, 2)),
			modeltest.Call("c2", "multiply", addArgs(3, 4)),
		),
		modeltest.Text("never reached"),
	)
	runner, store := setupRunner(t, client, nil)

	for ev, err := range runner.Run(context.Background(), testUser, testSession, "two things") {
		require.NoError(t, err)
		if ev.Kind == event.KindToolCalls {
			break
		}
	}

	events := storedEvents(t, store)
	assert.Equal(t, []event.Kind{
		event.KindText, event.KindToolCalls, event.KindToolResult, event.KindToolResult, event.KindControl,
	}, kinds(events))
	for _, ev := range events[2:4] {
		assert.Equal(t, event.ToolErrCancelled, ev.ToolResult.Error.Code)
	}
	assert.Equal(t, event.StatusCancelled, events[4].Control.Status)
	assert.Equal(t, 1, client.CallCount())

	// The lease was released.
	release, err := store.Acquire(context.Background(), session.Ref{AppName: DefaultAppName, UserID: testUser, SessionID: testSession}, false)
	require.NoError(t, err)
	release()
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	client := modeltest.NewScriptedModel(modeltest.Text("unused"))
	runner, store := setupRunner(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Collect(runner.Run(ctx, testUser, testSession, "hi"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Events)
	assert.Equal(t, 0, client.CallCount())

	_, err = store.Get(context.Background(), session.Ref{AppName: DefaultAppName, UserID: testUser, SessionID: testSession})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRun_SessionMustExistWithoutAutoCreate(t *testing.T) {
	client := modeltest.NewScriptedModel(modeltest.Text("Hello!"))
	runner, store := setupRunner(t, client, nil, func(cfg *RunnerConfig) {
		cfg.AutoCreateSession = false
	})

	_, err := Collect(runner.Run(context.Background(), testUser, testSession, "hi"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = store.Create(context.Background(), session.Ref{AppName: DefaultAppName, UserID: testUser, SessionID: testSession})
	require.NoError(t, err)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", result.AgentResponse)
}

func TestRun_RejectsBadInput(t *testing.T) {
	runner, _ := setupRunner(t, modeltest.NewScriptedModel(), nil)

	_, err := Collect(runner.Run(context.Background(), testUser, testSession, "   "))
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = Collect(runner.Run(context.Background(), "../etc", testSession, "hi"))
	assert.ErrorIs(t, err, session.ErrInvalidRef)
}

func TestRun_SequenceIsSinglePass(t *testing.T) {
	client := modeltest.NewScriptedModel(modeltest.Text("Hello!"))
	runner, store := setupRunner(t, client, nil)

	seq := runner.Run(context.Background(), testUser, testSession, "hi")
	_, err := Collect(seq)
	require.NoError(t, err)

	_, err = Collect(seq)
	assert.ErrorIs(t, err, ErrSequenceConsumed)
	assert.Len(t, storedEvents(t, store), 3)
}

func TestRun_DeterministicReplay(t *testing.T) {
	script := func() *modeltest.ScriptedModel {
		return modeltest.NewScriptedModel(
			modeltest.Calls(
				modeltest.Call("c1", "add", addArgs(15, 27)),
				modeltest.Call("c2", "divide", addArgs(1, 0)),
			),
			modeltest.Text("15 + 27 = 42, and 1 / 0 is undefined."),
		)
	}

	type shape struct {
		Sequence   int64
		Author     string
		Kind       event.Kind
		Text       string
		ToolCalls  []event.ToolCall
		ToolResult *event.ToolResult
		Control    *event.Control
	}
	replay := func() []shape {
		runner, store := setupRunner(t, script(), nil)
		_, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 15 + 27 and 1 / 0?"))
		require.NoError(t, err)

		var out []shape
		for _, ev := range storedEvents(t, store) {
			out = append(out, shape{ev.Sequence, ev.Author, ev.Kind, ev.Text, ev.ToolCalls, ev.ToolResult, ev.Control})
		}
		return out
	}

	assert.Equal(t, replay(), replay())
}

func TestRun_HistoryIsAppendOnlyAcrossTurns(t *testing.T) {
	client := modeltest.NewCalculatorModel()
	runner, store := setupRunner(t, client, nil)

	_, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 15 + 27?"))
	require.NoError(t, err)
	first := storedEvents(t, store)

	result, err := Collect(runner.Run(context.Background(), testUser, testSession, "What is 6 * 7?"))
	require.NoError(t, err)
	assert.Equal(t, "The multiply tool returned 42.", result.AgentResponse)

	second := storedEvents(t, store)
	require.Greater(t, len(second), len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Sequence, second[i].Sequence)
	}
	for i := 1; i < len(second); i++ {
		assert.Greater(t, second[i].Sequence, second[i-1].Sequence)
	}
}

func TestRun_HistoryWindow(t *testing.T) {
	client := modeltest.NewScriptedModel(
		modeltest.Text("Hello!"),
		modeltest.Calls(modeltest.Call("c1", "add", addArgs(1, 1))),
		modeltest.Text("2"),
	)
	runner, _ := setupRunner(t, client, nil, func(cfg *RunnerConfig) {
		cfg.HistoryWindow = 2
	})

	_, err := Collect(runner.Run(context.Background(), testUser, testSession, "hi"))
	require.NoError(t, err)
	_, err = Collect(runner.Run(context.Background(), testUser, testSession, "What is 1 + 1?"))
	require.NoError(t, err)

	requests := client.Requests()
	require.Len(t, requests, 3)

	// The window starts at the current user message, not mid-turn.
	require.Len(t, requests[1].History, 1)
	assert.Equal(t, "What is 1 + 1?", requests[1].History[0].Text)

	// Later rounds reach back to the current user message.
	require.Len(t, requests[2].History, 3)
	assert.Equal(t, "What is 1 + 1?", requests[2].History[0].Text)
	assert.Equal(t, event.KindToolResult, requests[2].History[2].Kind)
}

func TestWindow(t *testing.T) {
	user := func(text string) *event.Event { return event.NewText("inv", event.AuthorUser, text) }
	agentText := func(text string) *event.Event { return event.NewText("inv", "agent", text) }

	events := []*event.Event{user("a"), agentText("b"), user("c"), agentText("d"), agentText("e")}

	assert.Len(t, window(events, 0), 5)
	assert.Len(t, window(events, 10), 5)
	assert.Equal(t, "c", window(events, 3)[0].Text)
	assert.Equal(t, "c", window(events, 1)[0].Text)
	assert.Equal(t, "c", window(events, 4)[0].Text)

	// No user message inside the window: reach back to the latest one.
	long := []*event.Event{user("a"), agentText("b"), agentText("c"), agentText("d")}
	assert.Equal(t, "a", window(long, 2)[0].Text)
}
