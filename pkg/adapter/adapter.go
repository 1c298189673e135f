// Package adapter wraps external security systems (EDR, IDP, network, SIEM)
// behind a uniform capability interface: precondition checks, dry-run,
// execute, rollback and state query. Adapters translate a generic
// ActionRequest into the backend's wire call and map backend failures into
// the engine's error taxonomy.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sentinelops/aegis/pkg/action"
)

var (
	// ErrBackend marks a failed external call (network, auth, rate limit).
	ErrBackend = errors.New("backend call failed")
	// ErrUnsupported marks an operation the adapter cannot perform.
	ErrUnsupported = errors.New("operation not supported")
)

// State is a snapshot of an entity's observable state on the backend.
type State map[string]any

// Adapter is the capability set every tool wrapper implements.
type Adapter interface {
	// Target identifies the system class this adapter fronts.
	Target() action.TargetSystem

	// CheckPreconditions evaluates whether the action is safe to run now.
	// A returned error means the checks could not be evaluated; a failed
	// check is reported in the results, not as an error.
	CheckPreconditions(ctx context.Context, req action.ActionRequest) ([]action.PreconditionResult, error)

	// DryRun describes the effect the action would have without applying it.
	DryRun(ctx context.Context, req action.ActionRequest) (string, error)

	// Execute applies the action. Idempotent under retry: a repeated call
	// with the same correlation ID must not double-apply the effect.
	Execute(ctx context.Context, req action.ActionRequest) (action.ExecutionResult, error)

	// Rollback reverses a previously executed action.
	Rollback(ctx context.Context, req action.ActionRequest, prior action.ExecutionResult) (action.ExecutionResult, error)

	// QueryState reads the entity's current state for postcondition polling.
	QueryState(ctx context.Context, entity string) (State, error)
}

// Registry resolves adapters by target system.
type Registry struct {
	mu       sync.RWMutex
	adapters map[action.TargetSystem]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[action.TargetSystem]Adapter)}
}

// Register installs an adapter for its target system.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Target()] = a
}

// Lookup returns the adapter for the given target.
func (r *Registry) Lookup(target action.TargetSystem) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[target]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for target %s", ErrUnsupported, target)
	}
	return a, nil
}

// applied tracks correlation IDs whose effect has already landed, so a
// retried Execute replays the recorded result instead of re-applying.
type applied struct {
	mu      sync.Mutex
	results map[string]action.ExecutionResult
}

func newApplied() *applied {
	return &applied{results: make(map[string]action.ExecutionResult)}
}

func (a *applied) replay(correlationID string) (action.ExecutionResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.results[correlationID]
	return res, ok
}

func (a *applied) remember(correlationID string, res action.ExecutionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[correlationID] = res
}
