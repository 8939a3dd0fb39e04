package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
)

const (
	defaultLeaseTTL   = 10 * time.Minute
	leasePollInterval = 50 * time.Millisecond
)

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    app_name TEXT NOT NULL,
    user_id TEXT NOT NULL,
    id TEXT NOT NULL,
    state_json TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id, id)
)`

const createUserStatesSchemaSQL = `
CREATE TABLE IF NOT EXISTS user_states (
    app_name TEXT NOT NULL,
    user_id TEXT NOT NULL,
    state_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id)
)`

const createEventsSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_events (
    app_name TEXT NOT NULL,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    sequence_num INTEGER NOT NULL,
    id TEXT NOT NULL,
    invocation_id TEXT,
    author TEXT NOT NULL,
    kind TEXT NOT NULL,
    event_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id, session_id, sequence_num)
)`

const createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_events_invocation ON session_events(app_name, user_id, session_id, invocation_id)`

const createLeasesSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_leases (
    app_name TEXT NOT NULL,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    owner TEXT NOT NULL,
    expires_at_ms INTEGER NOT NULL,
    PRIMARY KEY (app_name, user_id, session_id)
)`

// SQLiteStore persists sessions in a SQLite database. Appends run in immediate
// transactions and leases live in a table, so several processes may share one file.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	leaseTTL time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path, defaulting to ~/.turnloop/sessions.db.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".turnloop", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, leaseTTL: defaultLeaseTTL}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite session store initialized")
	return s, nil
}

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{
		createSessionsSchemaSQL,
		createUserStatesSchemaSQL,
		createEventsSchemaSQL,
		createEventsIndexSQL,
		createLeasesSchemaSQL,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Backend() string { return BackendSQLite }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, ref Ref) (*Info, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (app_name, user_id, id, state_json, created_at, updated_at) VALUES (?, ?, ?, '{}', ?, ?)
		 ON CONFLICT (app_name, user_id, id) DO NOTHING`,
		ref.AppName, ref.UserID, ref.SessionID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, ref.Key())
	}

	log.Info().Str("session_key", ref.Key()).Msg("Session created")
	return &Info{Ref: ref, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, ref Ref) (*Info, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	info := Info{Ref: ref}
	err := s.db.QueryRowContext(ctx,
		`SELECT s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM session_events e WHERE e.app_name = s.app_name AND e.user_id = s.user_id AND e.session_id = s.id)
		   FROM sessions s WHERE s.app_name = ? AND s.user_id = ? AND s.id = ?`,
		ref.AppName, ref.UserID, ref.SessionID,
	).Scan(&info.CreatedAt, &info.UpdatedAt, &info.EventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	info.CreatedAt = info.CreatedAt.UTC()
	info.UpdatedAt = info.UpdatedAt.UTC()
	return &info, nil
}

func (s *SQLiteStore) List(ctx context.Context, appName, userID string) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM session_events e WHERE e.app_name = s.app_name AND e.user_id = s.user_id AND e.session_id = s.id)
		   FROM sessions s WHERE s.app_name = ? AND s.user_id = ?
		  ORDER BY s.created_at, s.id`,
		appName, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []Info{}
	for rows.Next() {
		info := Info{Ref: Ref{AppName: appName, UserID: userID}}
		if err := rows.Scan(&info.SessionID, &info.CreatedAt, &info.UpdatedAt, &info.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.CreatedAt = info.CreatedAt.UTC()
		info.UpdatedAt = info.UpdatedAt.UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		ref.AppName, ref.UserID, ref.SessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		ref.AppName, ref.UserID, ref.SessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Info().Str("session_key", ref.Key()).Msg("Session deleted")
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, ref Ref, ev *event.Event) (int64, error) {
	ctx, span := startSpan(ctx, "session.append", ref, BackendSQLite)
	defer span.End()

	start := time.Now()
	seq, err := s.append(ctx, ref, ev)
	if err != nil {
		tracing.Fail(span, err)
		return 0, err
	}
	observability.RecordSessionAppend(BackendSQLite, time.Since(start))
	return seq, nil
}

func (s *SQLiteStore) append(ctx context.Context, ref Ref, ev *event.Event) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	if err := validateEvent(ev); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT MAX(sequence_num) FROM session_events WHERE app_name = ? AND user_id = ? AND session_id = ?), 0) + 1
		   FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		ref.AppName, ref.UserID, ref.SessionID, ref.AppName, ref.UserID, ref.SessionID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence number: %w", err)
	}

	stored := ev.Clone()
	stored.Sequence = seq
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (app_name, user_id, session_id, sequence_num, id, invocation_id, author, kind, event_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.AppName, ref.UserID, ref.SessionID, seq, stored.ID, stored.InvocationID, stored.Author, string(stored.Kind), string(data), stored.Timestamp,
	); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE app_name = ? AND user_id = ? AND id = ?`,
		time.Now().UTC(), ref.AppName, ref.UserID, ref.SessionID); err != nil {
		return 0, fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	ev.Sequence = seq
	return seq, nil
}

func (s *SQLiteStore) Events(ctx context.Context, ref Ref) ([]*event.Event, error) {
	if _, err := s.Get(ctx, ref); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_json FROM session_events WHERE app_name = ? AND user_id = ? AND session_id = ? ORDER BY sequence_num`,
		ref.AppName, ref.UserID, ref.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*event.Event{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) GetState(ctx context.Context, ref Ref, scope Scope, key string) (interface{}, error) {
	if err := validateStateArgs(ref, scope, key); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, ref); err != nil {
		return nil, err
	}
	state, err := s.readState(ctx, s.db, ref, scope)
	if err != nil {
		return nil, err
	}
	v, ok := state[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateKeyNotExist, key)
	}
	return v, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, ref Ref, scope Scope, key string, value interface{}) error {
	if err := validateStateArgs(ref, scope, key); err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		ref.AppName, ref.UserID, ref.SessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}

	state, err := s.readState(ctx, tx, ref, scope)
	if err != nil {
		return err
	}
	if normalized == nil {
		delete(state, key)
	} else {
		state[key] = normalized
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	now := time.Now().UTC()
	if scope == ScopeUser {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO user_states (app_name, user_id, state_json, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (app_name, user_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
			ref.AppName, ref.UserID, string(data), now)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET state_json = ?, updated_at = ? WHERE app_name = ? AND user_id = ? AND id = ?`,
			string(data), now, ref.AppName, ref.UserID, ref.SessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) readState(ctx context.Context, q queryer, ref Ref, scope Scope) (map[string]interface{}, error) {
	var row *sql.Row
	if scope == ScopeUser {
		row = q.QueryRowContext(ctx, `SELECT state_json FROM user_states WHERE app_name = ? AND user_id = ?`, ref.AppName, ref.UserID)
	} else {
		row = q.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
			ref.AppName, ref.UserID, ref.SessionID)
	}

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	state := map[string]interface{}{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, fmt.Errorf("failed to decode state: %w", err)
		}
	}
	return state, nil
}

// Acquire claims the lease row for ref. Expired leases are taken over. While held, the
// lease is renewed in the background so long turns keep it.
func (s *SQLiteStore) Acquire(ctx context.Context, ref Ref, wait bool) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	owner := uuid.NewString()

	for {
		ok, err := s.tryLease(ctx, ref, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.holdLease(ref, owner), nil
		}
		if !wait {
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, ref.Key())
		}

		timer := time.NewTimer(leasePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SQLiteStore) tryLease(ctx context.Context, ref Ref, owner string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_leases (app_name, user_id, session_id, owner, expires_at_ms) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (app_name, user_id, session_id) DO UPDATE SET owner = excluded.owner, expires_at_ms = excluded.expires_at_ms
		 WHERE session_leases.expires_at_ms < ?`,
		ref.AppName, ref.UserID, ref.SessionID, owner, now.Add(s.leaseTTL).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) holdLease(ref Ref, owner string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.db.Exec(
					`UPDATE session_leases SET expires_at_ms = ? WHERE app_name = ? AND user_id = ? AND session_id = ? AND owner = ?`,
					time.Now().Add(s.leaseTTL).UnixMilli(), ref.AppName, ref.UserID, ref.SessionID, owner); err != nil {
					log.Warn().Err(err).Str("session_key", ref.Key()).Msg("Failed to renew session lease")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if _, err := s.db.Exec(
				`DELETE FROM session_leases WHERE app_name = ? AND user_id = ? AND session_id = ? AND owner = ?`,
				ref.AppName, ref.UserID, ref.SessionID, owner); err != nil {
				log.Warn().Err(err).Str("session_key", ref.Key()).Msg("Failed to release session lease")
			}
		})
	}
}
