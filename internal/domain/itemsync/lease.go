package itemsync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Lease is a best-effort per-connection mutex. Acquire must respect ctx so a
// stuck holder can never block a waiter indefinitely.
type Lease interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLease serializes syncs of one connection within this process.
type LocalLease struct {
	mu    sync.Mutex
	slots map[string]*leaseSlot
}

type leaseSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocalLease creates an in-process lease
func NewLocalLease() *LocalLease {
	return &LocalLease{slots: make(map[string]*leaseSlot)}
}

func (l *LocalLease) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &leaseSlot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, slot)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			l.unref(key, slot)
		})
	}, nil
}

func (l *LocalLease) unref(key string, slot *leaseSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// NopLease never blocks.
type NopLease struct{}

func (NopLease) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
