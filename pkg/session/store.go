package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/event"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionBusy      = errors.New("session busy")
	ErrStateKeyNotExist = errors.New("state key does not exist")
	ErrInvalidRef       = errors.New("invalid session reference")
)

// Ref identifies a session.
type Ref struct {
	AppName   string `json:"app_name"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Key renders the reference for logs and tracing.
func (r Ref) Key() string {
	return r.AppName + "/" + r.UserID + "/" + r.SessionID
}

// Validate checks every component is present and safe to use as a path element.
func (r Ref) Validate() error {
	for _, part := range []struct{ name, value string }{
		{"app name", r.AppName},
		{"user id", r.UserID},
		{"session id", r.SessionID},
	} {
		if err := validateComponent(part.name, part.value); err != nil {
			return err
		}
	}
	return nil
}

func validateComponent(name, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidRef, name)
	case strings.Contains(value, ".."):
		return fmt.Errorf("%w: %s cannot contain '..'", ErrInvalidRef, name)
	case strings.ContainsAny(value, "/\\"):
		return fmt.Errorf("%w: %s cannot contain path separators", ErrInvalidRef, name)
	case strings.Contains(value, "\x00"):
		return fmt.Errorf("%w: %s cannot contain null bytes", ErrInvalidRef, name)
	case strings.HasPrefix(value, "."):
		return fmt.Errorf("%w: %s cannot start with '.'", ErrInvalidRef, name)
	}
	return nil
}

// Scope selects which state map a key lives in.
type Scope string

const (
	// ScopeSession state belongs to one session.
	ScopeSession Scope = "session"
	// ScopeUser state is shared by every session of the same user within an app.
	ScopeUser Scope = "user"
)

func (s Scope) valid() bool {
	return s == ScopeSession || s == ScopeUser
}

// Info describes a stored session.
type Info struct {
	Ref
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	EventCount int       `json:"event_count"`
}

// Store is the durable event log and state of every session.
type Store interface {
	// Create registers a new, empty session. It fails with ErrSessionExists.
	Create(ctx context.Context, ref Ref) (*Info, error)
	// Get returns session metadata or ErrSessionNotFound.
	Get(ctx context.Context, ref Ref) (*Info, error)
	// List returns the sessions of one user, oldest first.
	List(ctx context.Context, appName, userID string) ([]Info, error)
	// Delete removes a session with its events and session-scoped state.
	Delete(ctx context.Context, ref Ref) error

	// Append stores a copy of ev, assigns ev.Sequence and returns it.
	// Appends to one session are atomic and totally ordered.
	Append(ctx context.Context, ref Ref, ev *event.Event) (int64, error)
	// Events returns the full ordered history.
	Events(ctx context.Context, ref Ref) ([]*event.Event, error)

	// GetState reads a key, failing with ErrStateKeyNotExist when unset.
	GetState(ctx context.Context, ref Ref, scope Scope, key string) (interface{}, error)
	// SetState writes a key. A nil value deletes it.
	SetState(ctx context.Context, ref Ref, scope Scope, key string, value interface{}) error

	// Acquire takes the single-writer lease for a session. With wait false a held lease
	// fails fast with ErrSessionBusy; with wait true it blocks until free or ctx ends.
	Acquire(ctx context.Context, ref Ref, wait bool) (release func(), err error)

	// Backend names the implementation for metrics and logs.
	Backend() string
	Close() error
}

// Open builds a store for a configured backend name.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSONL:
		return NewJSONLStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", backend)
	}
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// StateAccessor binds a store, a session and a scope into a simple Get/Set view.
type StateAccessor struct {
	Store Store
	Ref   Ref
	Scope Scope
}

func (a StateAccessor) Get(ctx context.Context, key string) (interface{}, error) {
	return a.Store.GetState(ctx, a.Ref, a.Scope, key)
}

func (a StateAccessor) Set(ctx context.Context, key string, value interface{}) error {
	return a.Store.SetState(ctx, a.Ref, a.Scope, key, value)
}

func validateStateArgs(ref Ref, scope Scope, key string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if !scope.valid() {
		return fmt.Errorf("invalid state scope %q", scope)
	}
	if key == "" {
		return errors.New("state key cannot be empty")
	}
	return nil
}

// normalizeValue round-trips v through JSON so stored state never aliases caller memory.
func normalizeValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state value is not serializable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateEvent(ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

func startSpan(ctx context.Context, name string, ref Ref, backend string) (context.Context, trace.Span) {
	ctx = tracing.WithSessionKey(ctx, ref.Key())
	return tracing.StartSpan(ctx, "turnloop.session", name,
		attribute.String("session_key", ref.Key()),
		attribute.String("backend", backend),
	)
}
