package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
)

type memorySession struct {
	info   Info
	events []*event.Event
	state  map[string]interface{}
}

// MemoryStore keeps everything in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[Ref]*memorySession
	userStates map[[2]string]map[string]interface{}
	leases     *leaseTable
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	observability.EnsureRegistered()
	return &MemoryStore{
		sessions:   make(map[Ref]*memorySession),
		userStates: make(map[[2]string]map[string]interface{}),
		leases:     newLeaseTable(),
	}
}

func (s *MemoryStore) Backend() string { return BackendMemory }

func (s *MemoryStore) Create(ctx context.Context, ref Ref) (*Info, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[ref]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, ref.Key())
	}
	now := time.Now().UTC()
	sess := &memorySession{
		info:  Info{Ref: ref, CreatedAt: now, UpdatedAt: now},
		state: make(map[string]interface{}),
	}
	s.sessions[ref] = sess

	log.Debug().Str("session_key", ref.Key()).Msg("Session created")
	info := sess.info
	return &info, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) (*Info, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	info := sess.info
	return &info, nil
}

func (s *MemoryStore) List(ctx context.Context, appName, userID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Info{}
	for ref, sess := range s.sessions {
		if ref.AppName == appName && ref.UserID == userID {
			out = append(out, sess.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	delete(s.sessions, ref)
	log.Debug().Str("session_key", ref.Key()).Msg("Session deleted")
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, ref Ref, ev *event.Event) (int64, error) {
	_, span := startSpan(ctx, "session.append", ref, BackendMemory)
	defer span.End()

	start := time.Now()
	seq, err := s.append(ref, ev)
	tracing.Fail(span, err)
	if err == nil {
		observability.RecordSessionAppend(BackendMemory, time.Since(start))
	}
	return seq, err
}

func (s *MemoryStore) append(ref Ref, ev *event.Event) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	if err := validateEvent(ev); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ref]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	seq := int64(len(sess.events)) + 1
	ev.Sequence = seq
	sess.events = append(sess.events, ev.Clone())
	sess.info.EventCount = len(sess.events)
	sess.info.UpdatedAt = time.Now().UTC()
	return seq, nil
}

func (s *MemoryStore) Events(ctx context.Context, ref Ref) ([]*event.Event, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	out := make([]*event.Event, len(sess.events))
	for i, ev := range sess.events {
		out[i] = ev.Clone()
	}
	return out, nil
}

func (s *MemoryStore) GetState(ctx context.Context, ref Ref, scope Scope, key string) (interface{}, error) {
	if err := validateStateArgs(ref, scope, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, err := s.stateMap(ref, scope, false)
	if err != nil {
		return nil, err
	}
	v, ok := state[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateKeyNotExist, key)
	}
	return normalizeValue(v)
}

func (s *MemoryStore) SetState(ctx context.Context, ref Ref, scope Scope, key string, value interface{}) error {
	if err := validateStateArgs(ref, scope, key); err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.stateMap(ref, scope, true)
	if err != nil {
		return err
	}
	if normalized == nil {
		delete(state, key)
		return nil
	}
	state[key] = normalized
	return nil
}

// stateMap must be called with s.mu held.
func (s *MemoryStore) stateMap(ref Ref, scope Scope, create bool) (map[string]interface{}, error) {
	sess, ok := s.sessions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref.Key())
	}
	if scope == ScopeSession {
		return sess.state, nil
	}
	key := [2]string{ref.AppName, ref.UserID}
	state, ok := s.userStates[key]
	if !ok {
		state = map[string]interface{}{}
		if create {
			s.userStates[key] = state
		}
	}
	return state, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, ref Ref, wait bool) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.leases.acquire(ctx, ref.Key(), wait)
}

func (s *MemoryStore) Close() error {
	return nil
}
