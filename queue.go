package vaultkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Future is the result of an item submitted to a SerialQueue.
type Future struct {
	done   chan struct{}
	mu     sync.Mutex
	result any
	err    error
	taken  bool // true once dequeued; Cancel becomes a no-op after this
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return // already completed (e.g. cancelled)
	default:
	}
	f.result, f.err = result, err
	close(f.done)
}

// Wait blocks until the item has run (or been cancelled) and returns its result.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the item from its queue before it is dequeued, silently.
// If the item has already started (or finished) executing, Cancel has no effect.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taken {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
	}
	f.err = NewError(ErrSessionClosed, "Future.Cancel", nil)
	close(f.done)
	return true
}

func (f *Future) markTaken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return false // already cancelled
	default:
	}
	f.taken = true
	return true
}

type queueItem struct {
	fn     func(ctx context.Context) (any, error)
	future *Future
}

// SerialQueue is a FIFO of callables executed strictly one at a time, in
// submission order (SPEC_FULL.md 4.3). Each item is bounded by itemTimeout;
// a timed-out item fails its future but does not halt the queue.
type SerialQueue struct {
	itemTimeout time.Duration
	items       chan *queueItem
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewSerialQueue creates a queue, starts its background worker, and bounds
// each item by the given per-item timeout.
func NewSerialQueue(itemTimeout time.Duration) *SerialQueue {
	q := &SerialQueue{
		itemTimeout: itemTimeout,
		items:       make(chan *queueItem, 256),
		closed:      make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *SerialQueue) run() {
	for item := range q.items {
		if !item.future.markTaken() {
			continue // cancelled before dequeue
		}
		q.execute(item)
	}
}

func (q *SerialQueue) execute(item *queueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), q.itemTimeout)
	defer cancel()

	resultCh := make(chan struct {
		v   any
		err error
	}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- struct {
					v   any
					err error
				}{nil, NewError(Unknown, "SerialQueue.execute", panicToErr(r))}
			}
		}()
		v, err := item.fn(ctx)
		resultCh <- struct {
			v   any
			err error
		}{v, err}
	}()

	select {
	case res := <-resultCh:
		item.future.complete(res.v, res.err)
	case <-ctx.Done():
		item.future.complete(nil, NewError(Unknown, "SerialQueue.execute", ctx.Err()))
		// Let fn finish running in the background; its result is discarded
		// so the queue can proceed to the next item without waiting on it.
		go func() { <-resultCh }()
	}
}

// Add appends fn to the queue and returns a Future for its result.
func (q *SerialQueue) Add(fn func(ctx context.Context) (any, error)) *Future {
	future := newFuture()
	select {
	case <-q.closed:
		future.complete(nil, NewError(ErrSessionClosed, "SerialQueue.Add", nil))
		return future
	default:
	}
	item := &queueItem{fn: fn, future: future}
	select {
	case q.items <- item:
	case <-q.closed:
		future.complete(nil, NewError(ErrSessionClosed, "SerialQueue.Add", nil))
	}
	return future
}

// Close stops accepting new items. Items already enqueued still run.
func (q *SerialQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.items)
	})
}

// MultiAdd acquires a simultaneous head-of-queue position on every queue in
// qs, then runs fn while all of them are blocked, and releases all of them
// whether fn succeeds or fails (SPEC_FULL.md 4.3). Ordering across queues is
// unspecified; the only guarantee is mutual exclusion on all len(qs) queues
// for fn's duration.
func MultiAdd(ctx context.Context, qs []*SerialQueue, fn func(ctx context.Context) (any, error)) (any, error) {
	var g errgroup.Group
	release := make(chan struct{})
	entered := make(chan struct{}, len(qs))

	futures := make([]*Future, len(qs))
	for i, q := range qs {
		i, q := i, q
		futures[i] = q.Add(func(ctx context.Context) (any, error) {
			entered <- struct{}{}
			<-release
			return nil, nil
		})
	}

	g.Go(func() error {
		for range qs {
			select {
			case <-entered:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var result any
	var fnErr error
	if err := g.Wait(); err != nil {
		close(release)
		for _, f := range futures {
			f.Wait(context.Background())
		}
		return nil, err
	}

	func() {
		defer close(release)
		result, fnErr = fn(ctx)
	}()

	for _, f := range futures {
		f.Wait(context.Background())
	}
	return result, fnErr
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
