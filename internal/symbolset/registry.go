package symbolset

import (
	"context"
	"slices"
	"sync"
)

// Registry tracks running workers by key. Workers are freestanding
// goroutines; the registry holds their cancel functions until they return.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*worker)}
}

// Start launches run under key unless a worker with that key is already
// running. The worker's context is derived from ctx. A worker that returns
// on its own is removed from the registry.
//
// If the worker under key is still stopping, the new one is registered at
// once but run is called only after the old worker has returned, so two
// workers for one key never overlap.
func (r *Registry) Start(ctx context.Context, key string, run func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev <-chan struct{}
	if old, ok := r.workers[key]; ok {
		if !old.stopping {
			return false
		}
		prev = old.done
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	r.workers[key] = w
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(w.done)
		defer cancel()
		if prev != nil {
			select {
			case <-prev:
			case <-wctx.Done():
			}
		}
		if wctx.Err() == nil {
			run(wctx)
		}
		r.mu.Lock()
		if r.workers[key] == w {
			delete(r.workers, key)
		}
		r.mu.Unlock()
	}()
	return true
}

// Stop cancels the worker registered under key. The key stays registered,
// though no longer listed by Keys, until the worker returns.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok || w.stopping {
		r.mu.Unlock()
		return false
	}
	w.stopping = true
	r.mu.Unlock()
	w.cancel()
	return true
}

// Keys returns the running keys in sorted order. Workers that are stopping
// are left out.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.workers))
	for k, w := range r.workers {
		if !w.stopping {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Wait blocks until every worker ever started has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
