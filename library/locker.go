package library

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker hands out single-writer locks per key without ever waiting: a
// key that is already held makes the acquisition fail with ErrBusy.
// Entries are dropped once no caller references them.
type Locker struct {
	mu   sync.Mutex
	sems map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{sems: make(map[string]*lockEntry)}
}

// TryLock acquires every key or none of them. Keys are taken in sorted
// order; the returned func releases them.
func (l *Locker) TryLock(keys ...string) (func(), error) {
	keys = dedupe(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range keys {
		e := l.ref(key)
		if !e.sem.TryAcquire(1) {
			l.unref(key, e)
			release()
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		held = append(held, key)
	}
	return release, nil
}

// ref returns the entry for key, creating it if needed, and pins it.
func (l *Locker) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sems[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.sems[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.sems, key)
	}
}

func (l *Locker) unlock(key string) {
	l.mu.Lock()
	e := l.sems[key]
	l.mu.Unlock()
	e.sem.Release(1)
	l.unref(key, e)
}

// size reports how many keys are currently tracked.
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}

func dedupe(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}

func bookKey(id string) string   { return "book:" + id }
func memberKey(id string) string { return "member:" + id }
