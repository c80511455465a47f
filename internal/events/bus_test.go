package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type pingEvent struct{ N int }
type pongEvent struct{ N int }

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	if err := b.Publish(context.Background(), pingEvent{N: 1}); err != nil {
		t.Errorf("Publish on nil bus returned error: %v", err)
	}
}

func TestPublishInvokesHandlersInOrder(t *testing.T) {
	b := New(nil, nil)
	var order []int

	Subscribe(b, func(_ context.Context, e pingEvent) error {
		order = append(order, 1)
		return nil
	})
	Subscribe(b, func(_ context.Context, e pingEvent) error {
		order = append(order, 2)
		return nil
	})

	if err := b.Publish(context.Background(), pingEvent{N: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handler order = %v, want [1 2]", order)
	}
}

func TestPublishOnlyMatchesOwnType(t *testing.T) {
	b := New(nil, nil)
	var pings, pongs int

	Subscribe(b, func(_ context.Context, e pingEvent) error {
		pings++
		return nil
	})
	Subscribe(b, func(_ context.Context, e pongEvent) error {
		pongs++
		return nil
	})

	b.Publish(context.Background(), pingEvent{N: 1})

	if pings != 1 || pongs != 0 {
		t.Errorf("pings=%d pongs=%d, want pings=1 pongs=0", pings, pongs)
	}
}

func TestUnsubscribeRemovesBinding(t *testing.T) {
	b := New(nil, nil)
	var calls int

	cancel := Subscribe(b, func(_ context.Context, e pingEvent) error {
		calls++
		return nil
	})

	b.Publish(context.Background(), pingEvent{N: 1})
	cancel()
	b.Publish(context.Background(), pingEvent{N: 1})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOneHandlerErrorDoesNotBlockOthers(t *testing.T) {
	b := New(nil, nil)
	var secondRan bool

	Subscribe(b, func(_ context.Context, e pingEvent) error {
		return errors.New("boom")
	})
	Subscribe(b, func(_ context.Context, e pingEvent) error {
		secondRan = true
		return nil
	})

	err := b.Publish(context.Background(), pingEvent{N: 1})
	if err == nil {
		t.Error("expected a joined error from the failing handler")
	}
	if !secondRan {
		t.Error("second handler did not run after the first errored")
	}
}

func TestHandlerPanicDoesNotCrashPublish(t *testing.T) {
	b := New(nil, nil)
	var secondRan bool

	Subscribe(b, func(_ context.Context, e pingEvent) error {
		panic("kaboom")
	})
	Subscribe(b, func(_ context.Context, e pingEvent) error {
		secondRan = true
		return nil
	})

	err := b.Publish(context.Background(), pingEvent{N: 1})
	if err == nil {
		t.Error("expected error recovered from panic")
	}
	if !secondRan {
		t.Error("second handler did not run after the first panicked")
	}
}

type syncPool struct{ calls atomic.Int64 }

func (p *syncPool) Submit(fn func()) { p.calls.Add(1); go fn() }

func TestSubscribeAsyncWaitsForCompletion(t *testing.T) {
	pool := &syncPool{}
	b := New(pool, nil)
	var done atomic.Bool

	SubscribeAsync(b, func(_ context.Context, e pingEvent) error {
		time.Sleep(10 * time.Millisecond)
		done.Store(true)
		return nil
	})

	b.Publish(context.Background(), pingEvent{N: 1})

	if !done.Load() {
		t.Error("Publish returned before async handler completed")
	}
	if pool.calls.Load() != 1 {
		t.Errorf("pool.Submit called %d times, want 1", pool.calls.Load())
	}
}

func TestIteratorDeliversInOrder(t *testing.T) {
	b := New(nil, nil)
	it := SubscribeIterator[pingEvent](b, 8)
	defer it.Close()

	for i := range 3 {
		b.Publish(context.Background(), pingEvent{N: i})
	}

	for i := range 3 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		e, ok := it.Next(ctx)
		cancel()
		if !ok {
			t.Fatalf("Next() returned ok=false for event %d", i)
		}
		if e.N != i {
			t.Errorf("event %d: N = %d, want %d", i, e.N, i)
		}
	}
}

func TestIteratorOverflowDropsOldest(t *testing.T) {
	b := New(nil, nil)
	it := SubscribeIterator[pingEvent](b, 2)
	defer it.Close()

	for i := range 5 {
		b.Publish(context.Background(), pingEvent{N: i})
	}

	if it.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", it.Dropped())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	first, ok := it.Next(ctx)
	cancel()
	if !ok || first.N != 3 {
		t.Errorf("first surviving event N = %d, ok=%v, want 3", first.N, ok)
	}
}

func TestIteratorCloseStopsDelivery(t *testing.T) {
	b := New(nil, nil)
	it := SubscribeIterator[pingEvent](b, 8)
	it.Close()

	b.Publish(context.Background(), pingEvent{N: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := it.Next(ctx)
	if ok {
		t.Error("expected no event after iterator closed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New(nil, nil)
	var count atomic.Int64
	Subscribe(b, func(_ context.Context, e pingEvent) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Publish(context.Background(), pingEvent{})
			}
		}()
	}
	wg.Wait()

	if count.Load() != 500 {
		t.Errorf("count = %d, want 500", count.Load())
	}
}
