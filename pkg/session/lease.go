package session

import (
	"context"
	"fmt"
	"sync"
)

// leaseTable grants at most one in-process lease per session key.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]chan struct{})}
}

func (t *leaseTable) acquire(ctx context.Context, key string, wait bool) (func(), error) {
	for {
		t.mu.Lock()
		freed, busy := t.held[key]
		if !busy {
			done := make(chan struct{})
			t.held[key] = done
			t.mu.Unlock()
			return t.releaser(key, done), nil
		}
		t.mu.Unlock()

		if !wait {
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *leaseTable) releaser(key string, done chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.held[key] == done {
				delete(t.held, key)
			}
			t.mu.Unlock()
			close(done)
		})
	}
}
