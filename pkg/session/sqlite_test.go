package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/event"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	setupSession(t, store, testRef)
	_, err = store.Append(ctx, testRef, event.NewText("inv", event.AuthorUser, "first"))
	require.NoError(t, err)
	require.NoError(t, store.SetState(ctx, testRef, ScopeSession, "k", "v"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Events(ctx, testRef)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Text)
	assert.Equal(t, int64(1), events[0].Sequence)

	v, err := reopened.GetState(ctx, testRef, ScopeSession, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestSQLiteStore_LeaseSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	a, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer b.Close()

	release, err := a.Acquire(ctx, testRef, false)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, testRef, false)
	assert.ErrorIs(t, err, ErrSessionBusy)

	release()
	releaseB, err := b.Acquire(ctx, testRef, false)
	require.NoError(t, err)
	releaseB()
}

func TestSQLiteStore_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.ExecContext(ctx,
		`INSERT INTO session_leases (app_name, user_id, session_id, owner, expires_at_ms) VALUES (?, ?, ?, ?, ?)`,
		testRef.AppName, testRef.UserID, testRef.SessionID, "crashed-process", time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)

	release, err := store.Acquire(ctx, testRef, false)
	require.NoError(t, err)
	release()
}
