package memsync

import (
	"context"
	"sync"
)

// keyLocks is a set of per-key mutexes with FIFO hand-off.
// A released key goes to the oldest waiter, never to a newcomer.
type keyLocks struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	owner   string
	waiters []*lockWaiter
}

type lockWaiter struct {
	owner string
	ready chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{keys: make(map[string]*keyLock)}
}

// acquire blocks until owner holds key or ctx ends.
func (l *keyLocks) acquire(ctx context.Context, owner, key string) error {
	l.mu.Lock()
	kl, ok := l.keys[key]
	if !ok {
		l.keys[key] = &keyLock{owner: owner}
		l.mu.Unlock()
		return nil
	}
	w := &lockWaiter{owner: owner, ready: make(chan struct{})}
	kl.waiters = append(kl.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-w.ready:
		// Granted while we were giving up; pass it on.
		l.releaseLocked(owner, key)
	default:
		for i, cand := range kl.waiters {
			if cand == w {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				break
			}
		}
	}
	return ctx.Err()
}

// acquireAll takes keys in order. On failure every key taken so far is released.
// Callers pass sorted keys so two transactions never wait on each other in a cycle.
func (l *keyLocks) acquireAll(ctx context.Context, owner string, keys []string) error {
	for i, key := range keys {
		if err := l.acquire(ctx, owner, key); err != nil {
			l.releaseAll(owner, keys[:i])
			return err
		}
	}
	return nil
}

func (l *keyLocks) releaseAll(owner string, keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		l.releaseLocked(owner, key)
	}
}

func (l *keyLocks) releaseLocked(owner, key string) {
	kl, ok := l.keys[key]
	if !ok || kl.owner != owner {
		return
	}
	if len(kl.waiters) == 0 {
		delete(l.keys, key)
		return
	}
	next := kl.waiters[0]
	kl.waiters = kl.waiters[1:]
	kl.owner = next.owner
	close(next.ready)
}

// holder returns the current owner of key, or "".
func (l *keyLocks) holder(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kl, ok := l.keys[key]; ok {
		return kl.owner
	}
	return ""
}
