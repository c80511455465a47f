// Package events provides the process-singleton typed publish/subscribe
// bus that wires every core component together. Components never call
// each other directly; they publish a typed event and subscribe to the
// event kinds they care about. The bus is nil-safe: Publish on a nil
// *Bus is a no-op, so components under test do not need guard checks.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Pool runs a func asynchronously, bounding concurrency. *workerpool.Pool
// satisfies this; tests can substitute a synchronous stub.
type Pool interface {
	Submit(fn func())
}

// inlinePool runs everything on the calling goroutine. Used when a Bus
// is constructed without an explicit async pool — suspending handlers
// still work, they just don't get extra concurrency.
type inlinePool struct{}

func (inlinePool) Submit(fn func()) { fn() }

type handlerEntry struct {
	call  func(ctx context.Context, event any) error
	async bool
}

// Bus is the typed, process-singleton publish/subscribe bus described
// in the design's EventBus component. Subscribers register a handler
// per event kind (the event's concrete Go type); Publish invokes every
// handler registered for the published event's type, in registration
// order, and never lets one handler's error or panic stop another's.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]*handlerEntry
	iterSubs map[reflect.Type][]*iteratorSub
	pool     Pool
	logger   *slog.Logger
}

// New creates a ready-to-use Bus. A nil pool runs suspending handlers
// inline; a nil logger falls back to slog.Default.
func New(pool Pool, logger *slog.Logger) *Bus {
	if pool == nil {
		pool = inlinePool{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[reflect.Type][]*handlerEntry),
		iterSubs: make(map[reflect.Type][]*iteratorSub),
		pool:     pool,
		logger:   logger,
	}
}

// Unsubscribe removes a single binding. Returned by Subscribe and
// SubscribeAsync; components call it during teardown. Safe to call
// more than once.
type Unsubscribe func()

// Subscribe registers a synchronous handler for event kind E. The
// handler runs on the publishing goroutine, in registration order
// relative to other handlers of the same kind. This is the "instance
// subscription" of the design: a component calls Subscribe once per
// event kind it handles from its constructor, and calls the returned
// Unsubscribe from its teardown method so every binding is removed
// deterministically.
func Subscribe[E any](b *Bus, handler func(ctx context.Context, event E) error) Unsubscribe {
	return subscribe(b, handler, false)
}

// SubscribeAsync registers a suspending handler for event kind E. The
// handler is scheduled onto the bus's shared worker pool rather than
// run on the publishing goroutine; Publish still blocks until it (and
// every other handler for that event) has completed, so the "future"
// semantics in the design hold even though Go has no explicit future
// type here.
func SubscribeAsync[E any](b *Bus, handler func(ctx context.Context, event E) error) Unsubscribe {
	return subscribe(b, handler, true)
}

func subscribe[E any](b *Bus, handler func(ctx context.Context, event E) error, async bool) Unsubscribe {
	t := reflect.TypeOf((*E)(nil)).Elem()
	entry := &handlerEntry{
		async: async,
		call: func(ctx context.Context, event any) error {
			e, ok := event.(E)
			if !ok {
				return fmt.Errorf("events: handler for %s received %T", t, event)
			}
			return handler(ctx, e)
		},
	}

	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], entry)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[t]
		for i, e := range list {
			if e == entry {
				b.handlers[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers event to every handler and iterator subscription
// registered for its concrete type, in registration order for
// synchronous handlers. Errors from individual handlers are logged
// against the event's type name and never block or cancel delivery to
// other handlers; Publish also returns a joined error of every handler
// failure, which callers may act on or ignore.
func (b *Bus) Publish(ctx context.Context, event any) error {
	if b == nil {
		return nil
	}
	t := reflect.TypeOf(event)

	b.mu.RLock()
	handlerList := append([]*handlerEntry(nil), b.handlers[t]...)
	iterList := append([]*iteratorSub(nil), b.iterSubs[t]...)
	b.mu.RUnlock()

	for _, it := range iterList {
		it.deliver(event)
	}

	if len(handlerList) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		kind = t.String()
	)

	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		b.logger.Error("event handler failed", "kind", kind, "error", err)
	}

	runSafely := func(h *handlerEntry) {
		defer func() {
			if r := recover(); r != nil {
				record(fmt.Errorf("panic in handler for %s: %v", kind, r))
			}
		}()
		record(h.call(ctx, event))
	}

	for _, h := range handlerList {
		h := h
		if h.async {
			wg.Add(1)
			b.pool.Submit(func() {
				defer wg.Done()
				runSafely(h)
			})
			continue
		}
		runSafely(h)
	}

	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	joined := errs[0]
	for _, e := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, e)
	}
	return joined
}
