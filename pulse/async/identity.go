package async

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/teranos/agentpulse/errors"
)

// CallerIdentity is everything an agent needs to act as the original caller.
// It travels with the job as JSON and is rebuilt in a fresh Scope before the
// agent runs, so any process can execute the job.
type CallerIdentity struct {
	LoginID   string   `json:"login_id"`
	LoginType string   `json:"login_type,omitempty"`
	TagScope  []string `json:"tag_scope,omitempty"`
	Message   string   `json:"message,omitempty"` // Synthetic originating message, seeds downstream logging
}

// Serialize encodes the identity for storage on an agent job
func (c CallerIdentity) Serialize() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize caller identity")
	}
	return string(data), nil
}

// Scope keys populated by RestoreIdentity
const (
	ScopeLoginID   = "login_id"
	ScopeLoginType = "login_type"
	ScopeTagScope  = "tag_scope"
	ScopeMessage   = "message"
)

// Scope is a per-job bag of request values. The executor opens a new one for
// every job; scopes are never shared between jobs.
type Scope struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewScope returns an empty scope
func NewScope() *Scope {
	return &Scope{values: make(map[string]interface{})}
}

// Set stores a value under key
func (s *Scope) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Value returns the value under key
func (s *Scope) Value(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Keys lists the populated keys, sorted
func (s *Scope) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Identity reads the caller identity back out of the scope
func (s *Scope) Identity() CallerIdentity {
	var id CallerIdentity
	if v, ok := s.Value(ScopeLoginID); ok {
		id.LoginID, _ = v.(string)
	}
	if v, ok := s.Value(ScopeLoginType); ok {
		id.LoginType, _ = v.(string)
	}
	if v, ok := s.Value(ScopeTagScope); ok {
		if tags, ok := v.([]string); ok {
			id.TagScope = append([]string(nil), tags...)
		}
	}
	if v, ok := s.Value(ScopeMessage); ok {
		id.Message, _ = v.(string)
	}
	return id
}

// RestoreIdentity decodes a serialized identity into scope. It only writes
// the identity keys, so restoring the same identity twice is a no-op.
func RestoreIdentity(serialized string, scope *Scope) error {
	if scope == nil {
		return errors.NewInvalidRequestError("nil scope")
	}

	var id CallerIdentity
	if serialized != "" {
		if err := json.Unmarshal([]byte(serialized), &id); err != nil {
			return errors.Wrap(err, "failed to restore caller identity")
		}
	}

	scope.Set(ScopeLoginID, id.LoginID)
	scope.Set(ScopeLoginType, id.LoginType)
	scope.Set(ScopeTagScope, append([]string(nil), id.TagScope...))
	scope.Set(ScopeMessage, id.Message)
	return nil
}

type scopeKey struct{}

// WithScope attaches the job scope to ctx for the agent call
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFromContext returns the job scope, or nil outside an agent call
func ScopeFromContext(ctx context.Context) *Scope {
	scope, _ := ctx.Value(scopeKey{}).(*Scope)
	return scope
}
