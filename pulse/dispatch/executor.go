package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// Executor performs the work behind a data-source job. Returning nil marks
// the job Completed; any error (or panic) marks it Failed with the message.
// The dispatcher does not time-box Execute; implementations own any timeout.
type Executor interface {
	Execute(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
	return f(ctx, kind, resourceID, jobID)
}

// Registry routes jobs to the executor registered for their kind.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	executors map[ledger.Kind]Executor
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[ledger.Kind]Executor)}
}

// Register adds an executor for kind.
// Panics if one is already registered for that kind.
func (r *Registry) Register(kind ledger.Kind, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		panic("executor already registered for kind: " + string(kind))
	}
	r.executors[kind] = executor
}

// Has reports whether an executor is registered for kind
func (r *Registry) Has(kind ledger.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []ledger.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]ledger.Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute implements Executor by dispatching on kind
func (r *Registry) Execute(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
	r.mu.RLock()
	executor, ok := r.executors[kind]
	r.mu.RUnlock()

	if !ok {
		return errors.NewInvalidRequestError("no executor registered for kind %q", kind)
	}
	return executor.Execute(ctx, kind, resourceID, jobID)
}
