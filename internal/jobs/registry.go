package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one attempt of a job from its raw arguments
type Handler func(ctx context.Context, args json.RawMessage) error

// Registry maps job names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h under name. Registering a name twice panics.
func (r *Registry) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("jobs: handler %q registered twice", name))
	}
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered jobs in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Task is a typed handle to a registered job
type Task[T any] struct {
	Name string
}

// Submit enqueues the job with args
func (t Task[T]) Submit(ctx context.Context, s Submitter, args T) error {
	return s.Submit(ctx, t.Name, args)
}

// Register wraps fn as a job named name. Arguments that do not decode into T
// fail the job without retrying.
func Register[T any](r *Registry, name string, fn func(context.Context, T) error) Task[T] {
	r.Handle(name, func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return Fatalf("decode %s args: %w", name, err)
			}
		}
		return fn(ctx, args)
	})
	return Task[T]{Name: name}
}
