// Package sync implements the upload and download pipelines: the debounced
// diff detector that turns conscious-state writes into queued operations, the
// worker pools that execute them against the planner, the notification and
// polling driven download path, and the conflict resolver that arbitrates
// concurrent edits.
package sync

import (
	"context"
	"sync"
)

// KeyedLocks serializes work per key. At most one holder per key; later
// acquirers wait in FIFO-ish order on the key's channel. Used with agent
// task ids so no two HTTP operations ever target the same task concurrently.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocks creates an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*keyedLock)}
}

// Acquire blocks until the key's lock is held or the context is done.
// Returns a release function; calling it more than once is harmless.
func (k *KeyedLocks) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.put(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.put(key, l)
		})
	}, nil
}

// TryAcquire takes the lock without blocking. The second return is false
// when the key is already held.
func (k *KeyedLocks) TryAcquire(key string) (func(), bool) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	default:
		k.put(key, l)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.put(key, l)
		})
	}, true
}

// put drops a reference and reaps the entry when nobody holds or waits.
func (k *KeyedLocks) put(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
