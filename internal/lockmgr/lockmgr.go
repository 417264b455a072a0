// Package lockmgr is the lock manager: named reentrant locks indexed by
// object path, acquired in a canonical total order to prevent deadlock.
// Contended paths are granted in arrival order, FIFO per path. The
// mechanism is in-process, since exactly one management process is ever
// active at a time.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrLockContention is returned when a lock cannot be acquired before
// RetryConfig's timeout elapses. A canceled or expired ctx yields
// ctx.Err() instead.
var ErrLockContention = errors.New("lock contention")

// RetryConfig bounds how long Acquire will wait for a contended path.
// The zero value blocks until the paths are granted or ctx is canceled:
// the lock manager itself does not enforce timeouts.
type RetryConfig struct {
	Timeout time.Duration
}

// DefaultRetryConfig is the zero value: block until granted.
var DefaultRetryConfig = RetryConfig{}

// waiter is one queued acquisition attempt on a contended path.
type waiter struct {
	holder string
	ready  chan struct{}
}

type pathLock struct {
	mu     sync.Mutex
	holder string // holder token currently owning the path, "" if free
	depth  int    // reentrancy depth for the current holder
	queue  []*waiter
}

// Manager grants named locks over object paths: "group/<id>", "shard/<id>",
// "global". It is safe for concurrent use by multiple procedures.
type Manager struct {
	mu    sync.Mutex
	paths map[string]*pathLock
}

// New constructs an empty lock manager.
func New() *Manager {
	return &Manager{paths: map[string]*pathLock{}}
}

// Handle represents the set of paths a single procedure currently holds,
// returned by Acquire and released by Handle.Release.
type Handle struct {
	mgr    *Manager
	holder string
	paths  []string
}

func (m *Manager) lockFor(path string) *pathLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.paths[path]
	if !ok {
		l = &pathLock{}
		m.paths[path] = l
	}
	return l
}

// Acquire grants every path in paths to holder, in canonical
// lexicographic order (deadlock-free by total ordering). A contended
// path parks the caller on the path's wait queue and grants are handed
// off in arrival order; acquisition blocks until ctx is done or, if
// retry.Timeout is set, until it elapses. Re-acquiring a path the same
// holder already owns is a no-op increment of its reentrancy depth.
func (m *Manager) Acquire(ctx context.Context, holder string, paths []string, retry RetryConfig) (*Handle, error) {
	ordered := append([]string(nil), paths...)
	sort.Strings(ordered)

	h := &Handle{mgr: m, holder: holder}

	var deadline <-chan time.Time
	if retry.Timeout > 0 {
		timer := time.NewTimer(retry.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for _, path := range ordered {
		l := m.lockFor(path)
		if err := l.acquire(ctx, holder, deadline); err != nil {
			h.Release()
			return nil, fmt.Errorf("acquire lock %q for %s: %w", path, holder, err)
		}
		h.paths = append(h.paths, path)
	}
	return h, nil
}

func (l *pathLock) acquire(ctx context.Context, holder string, deadline <-chan time.Time) error {
	l.mu.Lock()
	if l.holder == "" || l.holder == holder {
		l.holder = holder
		l.depth++
		l.mu.Unlock()
		return nil
	}
	w := &waiter{holder: holder, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.abandon(w)
		return ctx.Err()
	case <-deadline:
		l.abandon(w)
		return ErrLockContention
	}
}

// release decrements holder's reentrancy depth and, once it reaches
// zero, hands the path to the head of the wait queue.
func (l *pathLock) release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != holder {
		return
	}
	l.depth--
	if l.depth <= 0 {
		l.grantNextLocked()
	}
}

// grantNextLocked hands the path to the oldest waiter, or leaves it free
// when the queue is empty. Callers hold l.mu.
func (l *pathLock) grantNextLocked() {
	l.holder = ""
	l.depth = 0
	if len(l.queue) == 0 {
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	l.holder = next.holder
	l.depth = 1
	close(next.ready)
}

// abandon withdraws a waiter whose ctx or timeout fired. When the
// handoff raced with the timeout and the grant already landed, the
// grant is passed straight on instead.
func (l *pathLock) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
	if l.holder == w.holder {
		l.depth--
		if l.depth <= 0 {
			l.grantNextLocked()
		}
	}
}

// Release gives back every path the handle holds, in reverse acquisition
// order, guaranteed on every exit path.
func (h *Handle) Release() {
	for i := len(h.paths) - 1; i >= 0; i-- {
		h.mgr.lockFor(h.paths[i]).release(h.holder)
	}
	h.paths = nil
}

// GlobalPath is the well-known path that serializes operations touching
// the whole fleet (e.g. cross-group shard definition changes).
const GlobalPath = "global"

// GroupPath builds the canonical path for a group id.
func GroupPath(id string) string { return "group/" + id }

// ShardPath builds the canonical path for a shard id.
func ShardPath(id string) string { return fmt.Sprintf("shard/%s", id) }
