package resilience

import (
	"context"
	"sync"
)

// KeyedLock hands out one exclusive slot per key. Different keys never
// contend; entries are dropped once nobody holds or waits for them.
type KeyedLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{slots: make(map[string]*slot)}
}

// Acquire blocks until the slot for key is free or ctx is done. The returned
// release func must be called exactly once on success.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return func() {
			<-s.sem
			l.forget(key, s)
		}, nil
	case <-ctx.Done():
		l.forget(key, s)
		return nil, ctx.Err()
	}
}

func (l *KeyedLock) forget(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
