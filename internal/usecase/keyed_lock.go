package usecase

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// KeyedLocker provides mutual exclusion per string key. The orchestrator
// keys it by agent ID so turns of one agent never overlap; the consolidator
// keys it by record ID so merges lock only the records involved.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

func (l *KeyedLocker) acquireEntry(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLocker) releaseEntry(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned unlock
// function must be called exactly once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	kl := l.acquireEntry(key)
	select {
	case kl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.sem
				l.releaseEntry(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.releaseEntry(key, kl)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

// TryLockAll acquires every key without blocking. It either holds all of
// them or none.
func (l *KeyedLocker) TryLockAll(keys []string) (unlock func(), ok bool) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	type held struct {
		key string
		kl  *keyLock
	}
	acquired := make([]held, 0, len(keys))
	release := func() {
		for _, h := range acquired {
			<-h.kl.sem
			l.releaseEntry(h.key, h.kl)
		}
	}

	for _, key := range keys {
		kl := l.acquireEntry(key)
		select {
		case kl.sem <- struct{}{}:
			acquired = append(acquired, held{key, kl})
		default:
			l.releaseEntry(key, kl)
			release()
			return nil, false
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, true
}

// ActiveCount returns the number of keys with held or pending locks.
func (l *KeyedLocker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
