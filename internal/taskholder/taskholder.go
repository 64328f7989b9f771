// Package taskholder implements a per-key deduplicating asynchronous task
// registry: at most one factory is in flight per key at any time, and
// every caller that arrives while a computation is in flight attaches to
// it and observes the same outcome (value, error, or cancellation).
//
// This is the connector's only concurrency primitive of its kind. Model
// fetch/parse is expensive, idempotent, and redundantly triggered by the
// scheduler, the runner, and hot reload; deduplicating at the call site
// avoids duplicate downloads and parses without forcing callers to share
// locks of their own.
package taskholder

import (
	"context"
	"sync"

	"github.com/cognitedata/simulator-connector/internal/errs"
)

// Factory produces a value for a key. It must honor ctx cancellation.
type Factory[V any] func(ctx context.Context) (V, error)

// entry is the in-flight (or just-completed, pre-delivery) computation for
// one key.
type entry[V any] struct {
	done     chan struct{}
	value    V
	err      error
	priority bool
	cancel   context.CancelFunc
	waiters  int
}

// Option configures a Holder at construction time.
type Option func(*options)

type options struct {
	maxConcurrentTasks    int
	maxConcurrentTasksSet bool
}

// WithMaxConcurrentTasks bounds the number of factories that may run at
// once across all keys. Waiters attaching to an in-flight key never
// consume a permit — only the goroutine that started the computation
// holds one.
func WithMaxConcurrentTasks(n int) Option {
	return func(o *options) {
		o.maxConcurrentTasks = n
		o.maxConcurrentTasksSet = true
	}
}

// Holder is the deduplicating task registry, generic over key type K and
// result type V.
type Holder[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]*entry[V]
	sem      chan struct{} // nil when unbounded
	disposed bool
}

// New constructs a Holder. An invalid (<=0) WithMaxConcurrentTasks value
// fails construction with errs.KindInvalidRange.
func New[K comparable, V any](opts ...Option) (*Holder[K, V], error) {
	var o options
	for _, f := range opts {
		f(&o)
	}
	h := &Holder[K, V]{
		entries: make(map[K]*entry[V]),
	}
	if o.maxConcurrentTasksSet {
		if o.maxConcurrentTasks <= 0 {
			return nil, errs.Wrap(errs.KindInvalidRange, "maxConcurrentTasks must be positive", nil)
		}
		h.sem = make(chan struct{}, o.maxConcurrentTasks)
	}
	return h, nil
}

// ExecuteAsync attaches to any in-flight computation for key, or starts a
// new one via factory. The factory is invoked exactly once per completed
// computation cycle; every attached waiter observes exactly that
// completion.
func (h *Holder[K, V]) ExecuteAsync(ctx context.Context, key K, factory Factory[V]) (V, error) {
	return h.execute(ctx, key, factory, false)
}

// ExecuteAsyncPriority cancels any in-flight non-priority or prior-
// priority computation for key, then starts a new one under the priority
// flag. Waiters attached to the cancelled computation observe a
// cancellation error.
func (h *Holder[K, V]) ExecuteAsyncPriority(ctx context.Context, key K, factory Factory[V]) (V, error) {
	return h.execute(ctx, key, factory, true)
}

func (h *Holder[K, V]) execute(ctx context.Context, key K, factory Factory[V], priority bool) (V, error) {
	var zero V
	if factory == nil {
		return zero, errs.Wrap(errs.KindInvalidArgument, "factory must not be nil", nil)
	}

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return zero, errs.Wrap(errs.KindAlreadyDisposed, "task holder disposed", nil)
	}

	if existing, ok := h.entries[key]; ok {
		if priority {
			// Preempt: cancel the existing computation and replace it.
			existing.cancel()
			delete(h.entries, key)
		} else {
			existing.waiters++
			h.mu.Unlock()
			return h.await(existing)
		}
	}

	factoryCtx, cancel := context.WithCancel(ctx)
	e := &entry[V]{
		done:     make(chan struct{}),
		priority: priority,
		cancel:   cancel,
		waiters:  1,
	}
	h.entries[key] = e
	h.mu.Unlock()

	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-factoryCtx.Done():
			h.finish(key, e, zero, context.Cause(factoryCtx))
			return h.await(e)
		}
		defer func() { <-h.sem }()
	}

	v, err := factory(factoryCtx)
	h.finish(key, e, v, err)
	return h.await(e)
}

// finish records the outcome and removes the entry from the registry
// before signaling completion — cleanup happens before delivery so a
// late arrival can never attach to an entry that is mid-removal.
func (h *Holder[K, V]) finish(key K, e *entry[V], v V, err error) {
	h.mu.Lock()
	if cur, ok := h.entries[key]; ok && cur == e {
		delete(h.entries, key)
	}
	h.mu.Unlock()

	e.value = v
	e.err = err
	close(e.done)
}

func (h *Holder[K, V]) await(e *entry[V]) (V, error) {
	<-e.done
	return e.value, e.err
}

// Dispose is idempotent. In-flight factories are allowed to run to
// completion; subsequent ExecuteAsync/ExecuteAsyncPriority calls fail
// immediately with errs.KindAlreadyDisposed.
func (h *Holder[K, V]) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed = true
}

// Len returns the number of keys currently in flight. Intended for tests
// and diagnostics only.
func (h *Holder[K, V]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
