package adapter

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend is an in-process backend holding a small simulated world.
// It backs adapter tests, dry-run previews in development mode, and any
// deployment without a real tool endpoint configured.
//
// ConfirmAfter simulates eventually-consistent backends: mutations become
// visible to State only after that many State calls, which exercises
// postcondition polling.
type MemoryBackend struct {
	mu           sync.Mutex
	entities     map[string]map[string]any
	pending      map[string]map[string]any
	lag          map[string]int
	sideEffects  map[string]int
	invokeCounts map[string]int
	failInvoke   error
	failState    error

	// ConfirmAfter is the number of State calls before a mutation is
	// observable. Zero means immediately consistent.
	ConfirmAfter int
}

// NewMemoryBackend creates an empty simulated backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities:     make(map[string]map[string]any),
		pending:      make(map[string]map[string]any),
		lag:          make(map[string]int),
		sideEffects:  make(map[string]int),
		invokeCounts: make(map[string]int),
	}
}

// Seed installs an entity with the given initial state.
func (m *MemoryBackend) Seed(entity string, state map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	m.entities[entity] = cp
}

// FailNextInvoke makes every subsequent Invoke fail with err until cleared
// with nil.
func (m *MemoryBackend) FailNextInvoke(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInvoke = err
}

// FailState makes every subsequent State call fail with err until cleared.
func (m *MemoryBackend) FailState(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failState = err
}

// SideEffects returns how many mutations have been applied to the entity.
func (m *MemoryBackend) SideEffects(entity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sideEffects[entity]
}

// InvokeCount returns how many times the named op has been invoked.
func (m *MemoryBackend) InvokeCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invokeCounts[op]
}

// Invoke applies the operation to the simulated world.
func (m *MemoryBackend) Invoke(ctx context.Context, op, entity string, payload map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invokeCounts[op]++
	if m.failInvoke != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, m.failInvoke)
	}

	state, ok := m.entities[entity]
	if !ok {
		return nil, fmt.Errorf("%w: entity %q not found", ErrBackend, entity)
	}

	switch op {
	case "isolate_host":
		m.mutate(entity, state, "isolated", true)
	case "release_host":
		m.mutate(entity, state, "isolated", false)
	case "kill_process":
		m.mutate(entity, state, "process_running", false)
	case "disable_user":
		m.mutate(entity, state, "enabled", false)
	case "enable_user":
		m.mutate(entity, state, "enabled", true)
	case "revoke_sessions":
		m.mutate(entity, state, "active_sessions", 0)
	case "block_cidr":
		cidr, _ := payload["cidr"].(string)
		m.mutate(entity, state, "blocked:"+cidr, true)
	case "unblock_cidr":
		cidr, _ := payload["cidr"].(string)
		m.mutate(entity, state, "blocked:"+cidr, false)
	case "run_query":
		// Read-only: no state change.
		return map[string]any{"rows": 0, "query": payload["query"]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrBackend, op)
	}

	return map[string]any{"applied": true, "op": op}, nil
}

// mutate records a side effect, deferring visibility when ConfirmAfter > 0.
func (m *MemoryBackend) mutate(entity string, visible map[string]any, key string, value any) {
	m.sideEffects[entity]++
	if m.ConfirmAfter <= 0 {
		visible[key] = value
		return
	}
	p, ok := m.pending[entity]
	if !ok {
		p = make(map[string]any)
		m.pending[entity] = p
	}
	p[key] = value
	m.lag[entity] = m.ConfirmAfter
}

// State returns a copy of the entity's observable state.
func (m *MemoryBackend) State(ctx context.Context, entity string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failState != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, m.failState)
	}
	state, ok := m.entities[entity]
	if !ok {
		return nil, fmt.Errorf("%w: entity %q not found", ErrBackend, entity)
	}

	if remaining, lagged := m.lag[entity]; lagged {
		if remaining > 1 {
			m.lag[entity] = remaining - 1
		} else {
			for k, v := range m.pending[entity] {
				state[k] = v
			}
			delete(m.pending, entity)
			delete(m.lag, entity)
		}
	}

	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp, nil
}
