// Package lock serializes turns on the same conversation. A turn holds
// the lock for its whole duration; a second turn waits up to a timeout
// and then fails with ErrBusy.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when the lock could not be acquired in time.
var ErrBusy = errors.New("conversation is busy")

// Locker acquires exclusive access to a key. The returned release
// function is idempotent.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Memory is an in-process Locker.
type Memory struct {
	timeout time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemory creates an in-process locker. A zero timeout waits until
// ctx is done.
func NewMemory(timeout time.Duration) *Memory {
	return &Memory{timeout: timeout, held: make(map[string]chan struct{})}
}

// Lock implements Locker.
func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	for {
		m.mu.Lock()
		ch, busy := m.held[key]
		if !busy {
			ch = make(chan struct{})
			m.held[key] = ch
			m.mu.Unlock()
			return m.releaser(key, ch), nil
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-waitCtx.Done():
			return nil, waitError(ctx)
		}
	}
}

func (m *Memory) releaser(key string, ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.held[key] == ch {
				delete(m.held, key)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Held reports whether key is currently locked.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// waitError distinguishes caller cancellation from lock timeout.
func waitError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrBusy
}
