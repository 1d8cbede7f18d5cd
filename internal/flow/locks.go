package flow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// IdentityLocks serializes work per identity. Each identity gets a weight-1
// semaphore that exists only while someone holds or waits for it.
type IdentityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewIdentityLocks creates an empty lock table.
func NewIdentityLocks() *IdentityLocks {
	return &IdentityLocks{locks: make(map[string]*identityLock)}
}

// Acquire blocks until the identity is free or ctx is done.
func (l *IdentityLocks) Acquire(ctx context.Context, identity string) error {
	l.mu.Lock()
	il, ok := l.locks[identity]
	if !ok {
		il = &identityLock{sem: semaphore.NewWeighted(1)}
		l.locks[identity] = il
	}
	il.refs++
	l.mu.Unlock()

	if err := il.sem.Acquire(ctx, 1); err != nil {
		l.unref(identity, il)
		return err
	}
	return nil
}

// Release frees the identity. It must follow a successful Acquire.
func (l *IdentityLocks) Release(identity string) {
	l.mu.Lock()
	il, ok := l.locks[identity]
	l.mu.Unlock()
	if !ok {
		return
	}
	il.sem.Release(1)
	l.unref(identity, il)
}

func (l *IdentityLocks) unref(identity string, il *identityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	il.refs--
	if il.refs == 0 {
		delete(l.locks, identity)
	}
}

// Len reports how many identities currently have a lock entry.
func (l *IdentityLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
