package extract

import (
	"context"
	"sync"
)

// formLocks serializes work per form id. Entries are dropped once unused.
type formLocks struct {
	mu    sync.Mutex
	locks map[string]*formLock
}

type formLock struct {
	sem  chan struct{}
	refs int
}

func newFormLocks() *formLocks {
	return &formLocks{locks: make(map[string]*formLock)}
}

// lock blocks until formID is free or ctx is done.
func (l *formLocks) lock(ctx context.Context, formID string) (func(), error) {
	l.mu.Lock()
	fl, ok := l.locks[formID]
	if !ok {
		fl = &formLock{sem: make(chan struct{}, 1)}
		l.locks[formID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	select {
	case fl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(formID, fl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-fl.sem
			l.release(formID, fl)
		})
	}, nil
}

func (l *formLocks) release(formID string, fl *formLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl.refs--
	if fl.refs == 0 {
		delete(l.locks, formID)
	}
}

// held returns the number of form ids with a waiter or holder.
func (l *formLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
