// Package agent drives one user turn through repeated model calls and tool rounds.
//
// Invariants:
// - At most one turn runs per session; the runner holds the session lease for the whole turn.
// - Events are appended in causal order: user message, then request/result pairs per round,
//   then exactly one control event.
// - Every appended tool-call request gets one result per call id before the next model call,
//   including when the turn is cancelled.
//
// Usage:
//
//	a, _ := agent.New(agent.Config{Name: "calculator_agent", Model: client, Tools: registry})
//	cfg := agent.DefaultRunnerConfig()
//	cfg.Store = session.NewMemoryStore()
//	runner, _ := agent.NewRunner(a, cfg)
//	result, err := agent.Collect(runner.Run(ctx, "demo_user", "demo_session_001", "What is 15 + 27?"))
//	_, _ = result, err
package agent
