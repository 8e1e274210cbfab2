package lock

import (
	"context"
	"sync"
)

// KeyedMutex serializes critical sections per key in strict FIFO order.
// Each acquirer waits on the release of the acquirer queued just before it.
type KeyedMutex struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{tails: make(map[string]chan struct{})}
}

// Lock blocks until the caller holds the key and returns the release func.
// If ctx is cancelled while waiting, the slot is handed on once the previous
// holder releases, so later waiters stay ordered.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	done := make(chan struct{})

	m.mu.Lock()
	prev := m.tails[key]
	m.tails[key] = done
	m.mu.Unlock()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.mu.Lock()
			if m.tails[key] == done {
				delete(m.tails, key)
			}
			m.mu.Unlock()
			close(done)
		})
	}

	if prev == nil {
		return unlock, nil
	}

	select {
	case <-prev:
		return unlock, nil
	case <-ctx.Done():
		go func() {
			<-prev
			unlock()
		}()
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding key.
func (m *KeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Held reports whether any holder or waiter is queued on key.
func (m *KeyedMutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tails[key]
	return ok
}
