package vaultkv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// leaseState is the state machine from SPEC_FULL.md 4.2:
// Acquiring -> Held -> (Released | Lost).
type leaseState int

const (
	leaseAcquiring leaseState = iota
	leaseHeld
	leaseReleased
	leaseLost
)

// Lease is a TTL-bounded, cluster-wide exclusive token for a key, held in a
// MemoryStore entry at "locks/<store>/<key>".
type Lease struct {
	store MemoryStore
	key   string
	id    string

	ttl     time.Duration
	refresh time.Duration

	mu        sync.Mutex
	state     leaseState
	observers []func()
	stopCh    chan struct{}
	stopped   bool
}

// AcquireLease polls store using a compare-and-set update function that
// succeeds only if the entry is absent or expired, retrying with bounded
// backoff until deadline elapses. On success it schedules periodic refresh
// and returns a Lease; on deadline it returns ErrLockUnavailable.
func AcquireLease(ctx context.Context, store MemoryStore, key string, ttl, refreshInterval, deadline time.Duration) (*Lease, error) {
	id := NewUUID().String()
	l := &Lease{
		store:   store,
		key:     key,
		id:      id,
		ttl:     ttl,
		refresh: refreshInterval,
		state:   leaseAcquiring,
		stopCh:  make(chan struct{}),
	}

	deadlineAt := nowFunc().Add(deadline)
	attempt := 0
	for {
		ok, err := store.Update(ctx, key, func(prev *string, found bool) (*string, bool) {
			// CAS: only acquire if absent. MemoryStore entries expire on
			// their own TTL, so "found" already excludes expired entries.
			if found {
				return nil, false
			}
			v := id
			return &v, true
		}, ttl)
		if err != nil {
			return nil, NewError(ErrLockUnavailable, "AcquireLease", err)
		}
		if ok {
			l.mu.Lock()
			l.state = leaseHeld
			l.mu.Unlock()
			l.startRefresh()
			return l, nil
		}
		if nowFunc().After(deadlineAt) {
			return nil, NewError(ErrLockUnavailable, "AcquireLease", fmt.Errorf("key %q locked by another owner", key))
		}
		if ctx.Err() != nil {
			return nil, NewError(ErrLockUnavailable, "AcquireLease", ctx.Err())
		}
		attempt++
		RandomSleep(ctx, backoffUnit)
	}
}

func (l *Lease) startRefresh() {
	go func() {
		t := time.NewTicker(l.refresh)
		defer t.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-t.C:
				l.doRefresh()
			}
		}
	}()
}

func (l *Lease) doRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
	defer cancel()

	ok, err := l.store.Update(ctx, l.key, func(prev *string, found bool) (*string, bool) {
		if !found || prev == nil || *prev != l.id {
			return nil, false
		}
		v := l.id
		return &v, true
	}, l.ttl)

	l.mu.Lock()
	alreadyDone := l.state != leaseHeld
	l.mu.Unlock()
	if alreadyDone {
		return
	}
	if err != nil || !ok {
		l.markLost()
	}
}

func (l *Lease) markLost() {
	l.mu.Lock()
	if l.state != leaseHeld {
		l.mu.Unlock()
		return
	}
	l.state = leaseLost
	observers := l.observers
	l.observers = nil
	l.mu.Unlock()

	l.stopOnce()
	for _, obs := range observers {
		obs()
	}
}

// IsLocked reports whether this lease is currently held.
func (l *Lease) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == leaseHeld
}

// OnLost registers cb to be invoked exactly once if the lease transitions
// to Lost. It returns an unsubscribe function. If the lease is already
// Lost, cb is invoked synchronously before OnLost returns.
func (l *Lease) OnLost(cb func()) (unsubscribe func()) {
	l.mu.Lock()
	if l.state == leaseLost {
		l.mu.Unlock()
		cb()
		return func() {}
	}
	if l.state != leaseHeld && l.state != leaseAcquiring {
		l.mu.Unlock()
		return func() {}
	}
	idx := len(l.observers)
	l.observers = append(l.observers, cb)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if idx < len(l.observers) {
			l.observers[idx] = func() {}
		}
	}
}

// Release writes nil (best-effort) to the coordination-map entry and
// transitions to Released. Subsequent calls are no-ops.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.state != leaseHeld {
		l.mu.Unlock()
		return nil
	}
	l.state = leaseReleased
	l.mu.Unlock()

	l.stopOnce()

	err := l.store.Remove(ctx, l.key)
	if err != nil {
		return NewError(ErrBackendTransient, "Lease.Release", err)
	}
	return nil
}

func (l *Lease) stopOnce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
}

// ProbeLockActive reports whether key has a live (present, unexpired) lease
// entry, without acquiring it.
func ProbeLockActive(ctx context.Context, store MemoryStore, key string) (bool, error) {
	_, found, err := store.Get(ctx, key)
	if err != nil {
		return false, NewError(ErrBackendTransient, "ProbeLockActive", err)
	}
	return found, nil
}
