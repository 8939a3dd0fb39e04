package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
)

const (
	eventsExt   = ".jsonl"
	metaExt     = ".meta.json"
	userDirName = "_users"
)

// sessionMeta is the sidecar written next to each event log.
type sessionMeta struct {
	CreatedAt time.Time              `json:"created_at"`
	State     map[string]interface{} `json:"state"`
}

// JSONLStore persists each session as an append-only JSONL file under root/app/user/.
// Leases are process-local.
type JSONLStore struct {
	root       string
	writeLocks map[string]*sync.Mutex
	lastSeq    map[string]int64
	locksMu    sync.Mutex
	leases     *leaseTable
}

var _ Store = (*JSONLStore)(nil)

// NewJSONLStore creates a store rooted at dir, defaulting to ~/.turnloop/sessions.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".turnloop", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("JSONL session store initialized")
	return &JSONLStore{
		root:       dir,
		writeLocks: make(map[string]*sync.Mutex),
		lastSeq:    make(map[string]int64),
		leases:     newLeaseTable(),
	}, nil
}

func (s *JSONLStore) Backend() string { return BackendJSONL }

func (s *JSONLStore) userDir(appName, userID string) string {
	return filepath.Join(s.root, appName, userID)
}

func (s *JSONLStore) eventsPath(ref Ref) string {
	return filepath.Join(s.userDir(ref.AppName, ref.UserID), ref.SessionID+eventsExt)
}

func (s *JSONLStore) metaPath(ref Ref) string {
	return filepath.Join(s.userDir(ref.AppName, ref.UserID), ref.SessionID+metaExt)
}

func (s *JSONLStore) userStatePath(ref Ref) string {
	return filepath.Join(s.root, ref.AppName, userDirName, ref.UserID+".json")
}

// getWriteLock gets or creates the write lock for a session or state file
func (s *JSONLStore) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

func (s *JSONLStore) Create(ctx context.Context, ref Ref) (*Info, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	lock := s.getWriteLock(ref.Key())
	lock.Lock()
	defer lock.Unlock()

	path := s.eventsPath(ref)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, ref.Key())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	now := time.Now().UTC()
	if err := writeJSONAtomic(s.metaPath(ref), sessionMeta{CreatedAt: now, State: map[string]interface{}{}}); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()

	s.locksMu.Lock()
	s.lastSeq[ref.Key()] = 0
	s.locksMu.Unlock()

	log.Info().Str("session_key", ref.Key()).Msg("Session created")
	return &Info{Ref: ref, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *JSONLStore) Get(ctx context.Context, ref Ref) (*Info, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.info(ctx, ref)
}

func (s *JSONLStore) info(ctx context.Context, ref Ref) (*Info, error) {
	stat, err := os.Stat(s.eventsPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}
	meta, err := s.readMeta(ref)
	if err != nil {
		return nil, err
	}
	events, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Info{
		Ref:        ref,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  stat.ModTime().UTC(),
		EventCount: len(events),
	}, nil
}

func (s *JSONLStore) List(ctx context.Context, appName, userID string) ([]Info, error) {
	entries, err := os.ReadDir(s.userDir(appName, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	out := []Info{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, eventsExt) {
			continue
		}
		ref := Ref{AppName: appName, UserID: userID, SessionID: strings.TrimSuffix(name, eventsExt)}
		info, err := s.info(ctx, ref)
		if err != nil {
			log.Warn().Str("session_key", ref.Key()).Err(err).Msg("Skipping unreadable session")
			continue
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *JSONLStore) Delete(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	lock := s.getWriteLock(ref.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.eventsPath(ref)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if err := os.Remove(s.metaPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session metadata: %w", err)
	}

	s.locksMu.Lock()
	delete(s.lastSeq, ref.Key())
	s.locksMu.Unlock()

	log.Info().Str("session_key", ref.Key()).Msg("Session deleted")
	return nil
}

func (s *JSONLStore) Append(ctx context.Context, ref Ref, ev *event.Event) (int64, error) {
	ctx, span := startSpan(ctx, "session.append", ref, BackendJSONL)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	seq, err := s.append(ctx, ref, ev)
	if err != nil {
		tracing.Fail(span, err)
		return 0, err
	}
	observability.RecordSessionAppend(BackendJSONL, time.Since(start))
	logger.Debug().Int64("sequence", seq).Str("kind", string(ev.Kind)).Msg("Event appended")
	return seq, nil
}

func (s *JSONLStore) append(ctx context.Context, ref Ref, ev *event.Event) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	if err := validateEvent(ev); err != nil {
		return 0, err
	}

	lock := s.getWriteLock(ref.Key())
	lock.Lock()
	defer lock.Unlock()

	path := s.eventsPath(ref)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}

	last, err := s.lastSequence(ctx, ref)
	if err != nil {
		return 0, err
	}
	stored := ev.Clone()
	stored.Sequence = last + 1

	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	// A torn last line must not swallow the new entry.
	torn, err := endsMidLine(file)
	if err != nil {
		return 0, err
	}
	if torn {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Str("session_key", ref.Key()).Msg("Session file ends with a partial line, starting a new one")
		data = append([]byte{'\n'}, data...)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("failed to write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}

	s.locksMu.Lock()
	s.lastSeq[ref.Key()] = stored.Sequence
	s.locksMu.Unlock()

	ev.Sequence = stored.Sequence
	return stored.Sequence, nil
}

// endsMidLine reports whether a non-empty file lacks a trailing newline.
func endsMidLine(file *os.File) (bool, error) {
	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat session file: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("failed to read session file tail: %w", err)
	}
	return last[0] != '\n', nil
}

// lastSequence returns the cached tail position, scanning the file on first use.
// Callers hold the session write lock.
func (s *JSONLStore) lastSequence(ctx context.Context, ref Ref) (int64, error) {
	s.locksMu.Lock()
	last, ok := s.lastSeq[ref.Key()]
	s.locksMu.Unlock()
	if ok {
		return last, nil
	}

	events, err := s.load(ctx, ref)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	return last, nil
}

func (s *JSONLStore) Events(ctx context.Context, ref Ref) ([]*event.Event, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.eventsPath(ref)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	return s.load(ctx, ref)
}

// load reads every well-formed line. Corrupted lines are logged and skipped.
func (s *JSONLStore) load(ctx context.Context, ref Ref) ([]*event.Event, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", ref.Key()).Logger()

	file, err := os.Open(s.eventsPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return []*event.Event{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	events := []*event.Event{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if err := ev.Validate(); err != nil || ev.Sequence <= 0 {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return events, nil
}

// Repair rewrites a session file without its corrupted lines.
func (s *JSONLStore) Repair(ctx context.Context, ref Ref) (int, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	lock := s.getWriteLock(ref.Key())
	lock.Lock()
	defer lock.Unlock()

	events, err := s.Events(ctx, ref)
	if err != nil {
		return 0, err
	}

	path := s.eventsPath(ref)
	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err == nil {
			_, err = file.Write(append(data, '\n'))
		}
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return 0, fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to replace session file: %w", err)
	}

	log.Info().Str("session_key", ref.Key()).Int("entries", len(events)).Msg("Session repaired")
	return len(events), nil
}

func (s *JSONLStore) GetState(ctx context.Context, ref Ref, scope Scope, key string) (interface{}, error) {
	if err := validateStateArgs(ref, scope, key); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.eventsPath(ref)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}

	path, lockKey := s.statePath(ref, scope)
	lock := s.getWriteLock(lockKey)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.readState(ref, scope, path)
	if err != nil {
		return nil, err
	}
	v, ok := state[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateKeyNotExist, key)
	}
	return v, nil
}

func (s *JSONLStore) SetState(ctx context.Context, ref Ref, scope Scope, key string, value interface{}) error {
	if err := validateStateArgs(ref, scope, key); err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.eventsPath(ref)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}

	path, lockKey := s.statePath(ref, scope)
	lock := s.getWriteLock(lockKey)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.readState(ref, scope, path)
	if err != nil {
		return err
	}
	if normalized == nil {
		delete(state, key)
	} else {
		state[key] = normalized
	}

	if scope == ScopeUser {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("failed to create user state directory: %w", err)
		}
		return writeJSONAtomic(path, state)
	}
	meta, err := s.readMeta(ref)
	if err != nil {
		return err
	}
	meta.State = state
	return writeJSONAtomic(path, meta)
}

// statePath returns the file holding a scope's state and the lock guarding it.
func (s *JSONLStore) statePath(ref Ref, scope Scope) (string, string) {
	if scope == ScopeUser {
		return s.userStatePath(ref), "user:" + ref.AppName + "/" + ref.UserID
	}
	return s.metaPath(ref), "meta:" + ref.Key()
}

func (s *JSONLStore) readState(ref Ref, scope Scope, path string) (map[string]interface{}, error) {
	if scope == ScopeSession {
		meta, err := s.readMeta(ref)
		if err != nil {
			return nil, err
		}
		return meta.State, nil
	}
	state := map[string]interface{}{}
	if err := readJSON(path, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return state, nil
}

func (s *JSONLStore) readMeta(ref Ref) (*sessionMeta, error) {
	meta := &sessionMeta{}
	if err := readJSON(s.metaPath(ref), meta); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if meta.State == nil {
		meta.State = map[string]interface{}{}
	}
	return meta, nil
}

func (s *JSONLStore) Acquire(ctx context.Context, ref Ref, wait bool) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.leases.acquire(ctx, ref.Key(), wait)
}

// Close closes the store
func (s *JSONLStore) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.lastSeq = make(map[string]int64)
	s.locksMu.Unlock()

	log.Info().Msg("JSONL session store closed")
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes to a temp file and renames it over path.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
