// Package session stores the ordered event log and key-value state of conversations.
//
// Invariants:
// - A session is identified by (app, user, session id); every component is validated and path-safe.
// - Sequence positions are assigned by the store on Append and strictly increase per session.
// - The event log is append-only; readers receive copies and nothing is ever reordered.
// - At most one lease per session is held at a time; a runner holds it for a whole turn.
// - State values are JSON-normalized on write so every backend returns the same shapes.
//
// Three backends implement Store: MemoryStore (tests, demos), JSONLStore (one JSONL file per
// session, append-and-sync like a write-ahead log) and SQLiteStore (durable, cross-process leases).
//
// Usage:
//
//	store := session.NewMemoryStore()
//	ref := session.Ref{AppName: "calculator_app", UserID: "demo_user", SessionID: "demo_session_001"}
//	_, _ = store.Create(ctx, ref)
//	seq, _ := store.Append(ctx, ref, event.NewText(invID, event.AuthorUser, "What is 15 + 27?"))
//	events, _ := store.Events(ctx, ref)
//	_, _ = seq, events
package session
