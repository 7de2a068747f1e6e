package usecase

import (
	"context"
	"fmt"
	"sync"
)

// ThreadLocker serializes turns per thread across connections. The
// session manager's per-connection queue gives FIFO within one
// connection; this lock closes the cross-connection gap so two
// connections can never run concurrent turns on one thread.
type ThreadLocker struct {
	mu    sync.Mutex
	locks map[string]*threadMutex
}

type threadMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewThreadLocker creates a thread locker.
func NewThreadLocker() *ThreadLocker {
	return &ThreadLocker{
		locks: make(map[string]*threadMutex),
	}
}

// Lock acquires the lock for the given thread ID. It blocks until the
// lock is acquired or the context is cancelled. Returns an unlock
// function that MUST be called when the turn is complete.
func (tl *ThreadLocker) Lock(ctx context.Context, threadID string) (unlock func(), err error) {
	tl.mu.Lock()
	tm, ok := tl.locks[threadID]
	if !ok {
		tm = &threadMutex{}
		tl.locks[threadID] = tm
	}
	tm.refCount++
	tl.mu.Unlock()

	// Acquire in a goroutine so the wait stays cancellable.
	acquired := make(chan struct{})
	go func() {
		tm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() {
			tm.mu.Unlock()
			tl.release(threadID, tm)
		}, nil

	case <-ctx.Done():
		// The acquire goroutine may still win the mutex after we give
		// up; wait for it and release so the lock is never orphaned.
		go func() {
			<-acquired
			tm.mu.Unlock()
			tl.release(threadID, tm)
		}()
		return nil, fmt.Errorf("thread lock %s: %w", threadID, ctx.Err())
	}
}

func (tl *ThreadLocker) release(threadID string, tm *threadMutex) {
	tl.mu.Lock()
	tm.refCount--
	if tm.refCount == 0 {
		delete(tl.locks, threadID)
	}
	tl.mu.Unlock()
}

// ActiveCount returns the number of threads with active or pending
// locks. Intended for tests.
func (tl *ThreadLocker) ActiveCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.locks)
}
