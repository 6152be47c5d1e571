// Package syncutil provides per-entity locking.
package syncutil

import (
	"context"
	"errors"
	"sync"

	"github.com/viewpay/viewpay/internal/apperr"
)

// Locker serializes work on a single entity key. Lock blocks until the key
// is free or ctx is done; on success the caller MUST call the returned
// unlock function exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LockError classifies a failure to take key: a caller that gave up waiting
// gets CONFLICT and may retry, anything else means the lock backend is
// unreachable.
func LockError(key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(err, apperr.CodeConflict, "resource is busy; retry")
	}
	return apperr.Wrap(err, apperr.CodeLockUnavailable, "lock "+key+" unavailable")
}

// KeyedMutex is an in-process Locker with one channel-based mutex per live
// key. Entries are reference counted and dropped once nobody holds or waits
// on them, so memory tracks contention rather than the number of keys seen.
//
// Distinct keys never share a mutex, which lets callers nest locks on
// different entities (e.g. request then hold) without self-deadlock.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

var _ Locker = (*KeyedMutex)(nil)

// Lock acquires the mutex for key, respecting context cancellation.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, LockError(key, ctx.Err())
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
