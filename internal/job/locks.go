package job

import (
	"context"
	"sync"
)

// jobLocks serializes mutations of a single job and tracks which jobs are
// being run. Locks for different ids never contend.
type jobLocks struct {
	mu      sync.Mutex
	held    map[string]*jobLock
	running map[string]struct{}
}

type jobLock struct {
	ch   chan struct{}
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{
		held:    make(map[string]*jobLock),
		running: make(map[string]struct{}),
	}
}

func (l *jobLocks) ref(id string) *jobLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.held[id]
	if e == nil {
		e = &jobLock{ch: make(chan struct{}, 1)}
		l.held[id] = e
	}
	e.refs++
	return e
}

func (l *jobLocks) unref(id string, e *jobLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.held, id)
	}
}

// acquire blocks until the job's lock is free or ctx is done.
func (l *jobLocks) acquire(ctx context.Context, id string) (func(), error) {
	e := l.ref(id)
	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			l.unref(id, e)
		}, nil
	case <-ctx.Done():
		l.unref(id, e)
		return nil, ctx.Err()
	}
}

// startRun marks id as running. It returns false if a run is already active.
// Callers hold the job's lock.
func (l *jobLocks) startRun(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[id]; ok {
		return false
	}
	l.running[id] = struct{}{}
	return true
}

func (l *jobLocks) finishRun(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, id)
}

func (l *jobLocks) isRunning(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[id]
	return ok
}

// size reports how many ids have lock entries, for tests.
func (l *jobLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
