package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/event"
)

var testRef = Ref{AppName: "calculator_app", UserID: "demo_user", SessionID: "demo_session_001"}

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		BackendMemory: func(t *testing.T) Store {
			return NewMemoryStore()
		},
		BackendJSONL: func(t *testing.T) Store {
			s, err := NewJSONLStore(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		BackendSQLite: func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// forEachBackend runs fn against a fresh store of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			assert.Equal(t, name, store.Backend())
			fn(t, store)
		})
	}
}

func setupSession(t *testing.T, store Store, ref Ref) {
	t.Helper()
	_, err := store.Create(context.Background(), ref)
	require.NoError(t, err)
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Get(ctx, testRef)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		info, err := store.Create(ctx, testRef)
		require.NoError(t, err)
		assert.Equal(t, testRef, info.Ref)
		assert.False(t, info.CreatedAt.IsZero())

		_, err = store.Create(ctx, testRef)
		assert.ErrorIs(t, err, ErrSessionExists)

		got, err := store.Get(ctx, testRef)
		require.NoError(t, err)
		assert.Equal(t, 0, got.EventCount)
	})
}

func TestStore_InvalidRef(t *testing.T) {
	bad := []Ref{
		{AppName: "", UserID: "u", SessionID: "s"},
		{AppName: "a", UserID: "../u", SessionID: "s"},
		{AppName: "a", UserID: "u", SessionID: "s/1"},
		{AppName: "a", UserID: "u", SessionID: ".hidden"},
	}
	forEachBackend(t, func(t *testing.T, store Store) {
		for _, ref := range bad {
			_, err := store.Create(context.Background(), ref)
			assert.ErrorIs(t, err, ErrInvalidRef, ref.Key())
		}
	})
}

func TestStore_AppendAssignsIncreasingSequence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		setupSession(t, store, testRef)

		user := event.NewText("inv-1", event.AuthorUser, "What is 15 + 27?")
		seq, err := store.Append(ctx, testRef, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)
		assert.Equal(t, int64(1), user.Sequence)

		calls := event.NewToolCalls("inv-1", "calculator_agent", []event.ToolCall{
			{ID: "c1", Name: "add", Arguments: map[string]interface{}{"a": 15.0, "b": 27.0}},
		})
		seq, err = store.Append(ctx, testRef, calls)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)

		events, err := store.Events(ctx, testRef)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "What is 15 + 27?", events[0].Text)
		assert.Equal(t, 15.0, events[1].ToolCalls[0].Arguments["a"])

		info, err := store.Get(ctx, testRef)
		require.NoError(t, err)
		assert.Equal(t, 2, info.EventCount)
	})
}

func TestStore_EventsAreCopies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		setupSession(t, store, testRef)

		ev := event.NewText("inv-1", event.AuthorUser, "original")
		_, err := store.Append(ctx, testRef, ev)
		require.NoError(t, err)
		ev.Text = "mutated after append"

		events, err := store.Events(ctx, testRef)
		require.NoError(t, err)
		events[0].Text = "mutated after read"

		again, err := store.Events(ctx, testRef)
		require.NoError(t, err)
		assert.Equal(t, "original", again[0].Text)
	})
}

func TestStore_AppendErrors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Append(ctx, testRef, event.NewText("inv", event.AuthorUser, "hi"))
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = store.Events(ctx, testRef)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		setupSession(t, store, testRef)
		_, err = store.Append(ctx, testRef, event.NewText("inv", event.AuthorUser, ""))
		assert.Error(t, err)
	})
}

func TestStore_ConcurrentAppends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		setupSession(t, store, testRef)

		const n = 25
		var wg sync.WaitGroup
		seqs := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				seq, err := store.Append(ctx, testRef, event.NewText("inv", event.AuthorUser, "msg"))
				assert.NoError(t, err)
				seqs <- seq
			}()
		}
		wg.Wait()
		close(seqs)

		seen := map[int64]bool{}
		for seq := range seqs {
			assert.False(t, seen[seq], "duplicate sequence %d", seq)
			seen[seq] = true
		}
		assert.Len(t, seen, n)

		events, err := store.Events(ctx, testRef)
		require.NoError(t, err)
		require.Len(t, events, n)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
	})
}

func TestStore_State(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		setupSession(t, store, testRef)
		other := testRef
		other.SessionID = "demo_session_002"
		setupSession(t, store, other)

		_, err := store.GetState(ctx, testRef, ScopeSession, "calc:last_result")
		assert.ErrorIs(t, err, ErrStateKeyNotExist)

		require.NoError(t, store.SetState(ctx, testRef, ScopeSession, "calc:last_result", 42))
		v, err := store.GetState(ctx, testRef, ScopeSession, "calc:last_result")
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)

		// Session scope is private to the session.
		_, err = store.GetState(ctx, other, ScopeSession, "calc:last_result")
		assert.ErrorIs(t, err, ErrStateKeyNotExist)

		// User scope is shared across the user's sessions.
		require.NoError(t, store.SetState(ctx, testRef, ScopeUser, "preferred_precision", map[string]interface{}{"digits": 2}))
		v, err = store.GetState(ctx, other, ScopeUser, "preferred_precision")
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"digits": 2.0}, v)

		// Nil deletes.
		require.NoError(t, store.SetState(ctx, testRef, ScopeSession, "calc:last_result", nil))
		_, err = store.GetState(ctx, testRef, ScopeSession, "calc:last_result")
		assert.ErrorIs(t, err, ErrStateKeyNotExist)

		assert.Error(t, store.SetState(ctx, testRef, Scope("app"), "k", 1))
		assert.Error(t, store.SetState(ctx, testRef, ScopeSession, "", 1))
		assert.Error(t, store.SetState(ctx, testRef, ScopeSession, "fn", func() {}))

		missing := testRef
		missing.SessionID = "missing"
		assert.ErrorIs(t, store.SetState(ctx, missing, ScopeSession, "k", 1), ErrSessionNotFound)
	})
}

func TestStore_Leases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		setupSession(t, store, testRef)

		release, err := store.Acquire(ctx, testRef, false)
		require.NoError(t, err)

		_, err = store.Acquire(ctx, testRef, false)
		assert.ErrorIs(t, err, ErrSessionBusy)

		// Other sessions are independent.
		other := testRef
		other.SessionID = "other"
		releaseOther, err := store.Acquire(ctx, other, false)
		require.NoError(t, err)
		releaseOther()

		t.Run("wait gives up when ctx ends", func(t *testing.T) {
			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			_, err := store.Acquire(waitCtx, testRef, true)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})

		t.Run("wait succeeds after release", func(t *testing.T) {
			acquired := make(chan func(), 1)
			go func() {
				r, err := store.Acquire(ctx, testRef, true)
				assert.NoError(t, err)
				acquired <- r
			}()

			select {
			case <-acquired:
				t.Fatal("lease acquired while held")
			case <-time.After(20 * time.Millisecond):
			}

			release()
			release() // idempotent

			select {
			case r := <-acquired:
				r()
			case <-time.After(2 * time.Second):
				t.Fatal("waiter never acquired the lease")
			}
		})
	})
}

func TestStore_ListAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, id := range []string{"s1", "s2"} {
			ref := testRef
			ref.SessionID = id
			setupSession(t, store, ref)
			time.Sleep(2 * time.Millisecond)
		}

		list, err := store.List(ctx, testRef.AppName, testRef.UserID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s1", list[0].SessionID)

		none, err := store.List(ctx, testRef.AppName, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)

		ref := testRef
		ref.SessionID = "s1"
		require.NoError(t, store.Delete(ctx, ref))
		assert.ErrorIs(t, store.Delete(ctx, ref), ErrSessionNotFound)

		_, err = store.Get(ctx, ref)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestOpen(t *testing.T) {
	s, err := Open("", "")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, s.Backend())

	s, err = Open(BackendJSONL, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, BackendJSONL, s.Backend())

	s, err = Open(BackendSQLite, filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, BackendSQLite, s.Backend())

	_, err = Open("redis", "")
	assert.Error(t, err)
}

func TestStateAccessor(t *testing.T) {
	store := NewMemoryStore()
	setupSession(t, store, testRef)
	acc := StateAccessor{Store: store, Ref: testRef, Scope: ScopeSession}

	require.NoError(t, acc.Set(context.Background(), "k", "v"))
	v, err := acc.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
