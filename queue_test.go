package vaultkv

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSerialQueueOrdersItems(t *testing.T) {
	q := NewSerialQueue(time.Second)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var futures []*Future
	for i := 0; i < 20; i++ {
		i := i
		futures = append(futures, q.Add(func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("items ran out of order: %v", order)
		}
	}
}

func TestSerialQueueItemPanicDoesNotHaltQueue(t *testing.T) {
	q := NewSerialQueue(time.Second)
	defer q.Close()

	f1 := q.Add(func(ctx context.Context) (any, error) {
		panic("boom")
	})
	f2 := q.Add(func(ctx context.Context) (any, error) {
		return "ok", nil
	})

	if _, err := f1.Wait(context.Background()); err == nil {
		t.Fatal("expected panicking item to fail")
	}
	v, err := f2.Wait(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("queue should keep running after a panic, got v=%v err=%v", v, err)
	}
}

func TestSerialQueueCancelBeforeRun(t *testing.T) {
	q := NewSerialQueue(time.Second)
	defer q.Close()

	blocker := q.Add(func(ctx context.Context) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	cancelled := q.Add(func(ctx context.Context) (any, error) {
		t.Fatal("cancelled item should never run")
		return nil, nil
	})
	if !cancelled.Cancel() {
		t.Fatal("Cancel should succeed before the item is dequeued")
	}
	blocker.Wait(context.Background())
	if _, err := cancelled.Wait(context.Background()); CodeOf(err) != ErrSessionClosed {
		t.Fatalf("cancelled future should resolve with ErrSessionClosed, got %v", err)
	}
}

func TestMultiAddMutualExclusion(t *testing.T) {
	q1 := NewSerialQueue(time.Second)
	q2 := NewSerialQueue(time.Second)
	defer q1.Close()
	defer q2.Close()

	res, err := MultiAdd(context.Background(), []*SerialQueue{q1, q2}, func(ctx context.Context) (any, error) {
		// An item added to q1 while fn runs must not run before fn returns.
		probe := q1.Add(func(ctx context.Context) (any, error) { return nil, nil })
		select {
		case <-probe.done:
			return "q1 ran an item while MultiAdd held it", nil
		case <-time.After(20 * time.Millisecond):
		}
		return "both-held", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != "both-held" {
		t.Fatalf("unexpected result %v", res)
	}

	// Both queues must still be usable afterward.
	f := q1.Add(func(ctx context.Context) (any, error) { return 1, nil })
	if v, err := f.Wait(context.Background()); err != nil || v != 1 {
		t.Fatalf("q1 not usable after MultiAdd: v=%v err=%v", v, err)
	}
}
