// Package lock provides keyed critical sections. The liveness monitor holds
// one per device around its dedup-check-then-insert so overlapping passes
// (parallel workers or several instances) cannot both create an event.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when ctx ends before the lock is obtained.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires a named lock, blocking until it is free or ctx ends.
// ttl bounds how long a crashed holder can keep a distributed lock.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{keys: make(map[string]chan struct{})}
}

// Lock implements Locker. ttl is ignored: the holder is in this process.
func (l *Local) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	for {
		l.mu.Lock()
		held, busy := l.keys[key]
		if !busy {
			ch := make(chan struct{})
			l.keys[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.keys, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}
}
