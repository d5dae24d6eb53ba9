package async

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/agentpulse/errors"
)

// Agent is a named agent and the type that decides how it is invoked
type Agent struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AgentDirectory resolves agent names. Lookup returns errors.ErrNotFound
// for unknown names.
type AgentDirectory interface {
	Lookup(ctx context.Context, name string) (Agent, error)
}

// AgentExecutor invokes one type of agent. The caller's scope is available
// through ScopeFromContext(ctx).
type AgentExecutor interface {
	DoCall(ctx context.Context, agent Agent, params map[string]string) (string, error)
}

// AgentExecutorFunc adapts a function to AgentExecutor
type AgentExecutorFunc func(ctx context.Context, agent Agent, params map[string]string) (string, error)

// DoCall implements AgentExecutor
func (f AgentExecutorFunc) DoCall(ctx context.Context, agent Agent, params map[string]string) (string, error) {
	return f(ctx, agent, params)
}

// StaticDirectory is an in-memory AgentDirectory
type StaticDirectory struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewStaticDirectory creates a directory holding agents
func NewStaticDirectory(agents ...Agent) *StaticDirectory {
	d := &StaticDirectory{agents: make(map[string]Agent)}
	for _, a := range agents {
		d.agents[a.Name] = a
	}
	return d
}

// Add registers or replaces an agent
func (d *StaticDirectory) Add(agent Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.Name] = agent
}

// Lookup implements AgentDirectory
func (d *StaticDirectory) Lookup(ctx context.Context, name string) (Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[name]
	if !ok {
		return Agent{}, errors.NewNotFoundError("agent %q", name)
	}
	return agent, nil
}

// Names lists the known agents, sorted
func (d *StaticDirectory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.agents))
	for name := range d.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecutorRegistry maps agent types to their executors.
// Thread-safe for concurrent registration and lookup.
type ExecutorRegistry struct {
	executors map[string]AgentExecutor
	mu        sync.RWMutex
}

// NewExecutorRegistry creates an empty registry
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]AgentExecutor)}
}

// Register adds the executor for agentType.
// Panics if one is already registered.
func (r *ExecutorRegistry) Register(agentType string, executor AgentExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[agentType]; exists {
		panic("agent executor already registered for type: " + agentType)
	}
	r.executors[agentType] = executor
}

// Get returns the executor for agentType, or nil
func (r *ExecutorRegistry) Get(agentType string) AgentExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[agentType]
}
