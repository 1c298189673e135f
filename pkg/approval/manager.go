// Package approval parks actions whose decision is REQUIRES_APPROVAL until
// an external signal (human operator or policy service) resolves them.
// A waiting action is not a failure: it halts the state machine until
// approved, denied, expired or cancelled.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotPending means no approval is waiting under that correlation ID.
	ErrNotPending = errors.New("no pending approval")
	// ErrAlreadyPending means Begin was called twice for one correlation ID.
	ErrAlreadyPending = errors.New("approval already pending")
	// ErrDuplicateApprover rejects the same principal counting twice
	// toward a quorum.
	ErrDuplicateApprover = errors.New("approver already counted")
)

// Resolution is the outcome of one approval wait.
type Resolution struct {
	Approved   bool      `json:"approved"`
	Approvers  []string  `json:"approvers,omitempty"`
	DeniedBy   string    `json:"denied_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type pending struct {
	correlationID string
	quorum        int
	approvers     []string
	expiresAt     time.Time
	done          chan Resolution
	resolved      bool
}

// PendingInfo describes one waiting approval for operator listings.
type PendingInfo struct {
	CorrelationID string    `json:"correlation_id"`
	Quorum        int       `json:"quorum"`
	Approvals     int       `json:"approvals"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Manager tracks pending approvals and resolves them exactly once.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pending
	timeout time.Duration
	clock   func() time.Time
}

// NewManager creates a manager whose waits expire after timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		pending: make(map[string]*pending),
		timeout: timeout,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Begin registers a wait and returns the channel the resolution will arrive
// on, together with the wait's deadline.
func (m *Manager) Begin(correlationID string, quorum int) (<-chan Resolution, time.Time, error) {
	if quorum < 1 {
		quorum = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[correlationID]; exists {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrAlreadyPending, correlationID)
	}
	p := &pending{
		correlationID: correlationID,
		quorum:        quorum,
		expiresAt:     m.clock().Add(m.timeout),
		done:          make(chan Resolution, 1),
	}
	m.pending[correlationID] = p
	return p.done, p.expiresAt, nil
}

// Approve counts one approver toward the quorum. When the quorum is met the
// wait resolves approved. An expired wait resolves timed-out instead.
func (m *Manager) Approve(correlationID, approverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[correlationID]
	if !ok || p.resolved {
		return fmt.Errorf("%w: %s", ErrNotPending, correlationID)
	}
	now := m.clock()
	if now.After(p.expiresAt) {
		m.finish(p, Resolution{TimedOut: true, Reason: "approval window expired", ResolvedAt: now})
		return fmt.Errorf("%w: %s", ErrNotPending, correlationID)
	}
	for _, a := range p.approvers {
		if a == approverID {
			return fmt.Errorf("%w: %s", ErrDuplicateApprover, approverID)
		}
	}
	p.approvers = append(p.approvers, approverID)
	if len(p.approvers) >= p.quorum {
		m.finish(p, Resolution{
			Approved:   true,
			Approvers:  append([]string(nil), p.approvers...),
			ResolvedAt: now,
		})
	}
	return nil
}

// Deny resolves the wait as denied. A single denial wins regardless of
// quorum.
func (m *Manager) Deny(correlationID, denierID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[correlationID]
	if !ok || p.resolved {
		return fmt.Errorf("%w: %s", ErrNotPending, correlationID)
	}
	m.finish(p, Resolution{
		Approved:   false,
		DeniedBy:   denierID,
		Reason:     reason,
		ResolvedAt: m.clock(),
	})
	return nil
}

// Expire resolves the wait as timed out, if it is still pending. Called by
// the waiter when its deadline fires.
func (m *Manager) Expire(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[correlationID]
	if !ok || p.resolved {
		return
	}
	m.finish(p, Resolution{TimedOut: true, Reason: "approval window expired", ResolvedAt: m.clock()})
}

// Cancel resolves the wait as cancelled by the caller.
func (m *Manager) Cancel(correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[correlationID]
	if !ok || p.resolved {
		return fmt.Errorf("%w: %s", ErrNotPending, correlationID)
	}
	m.finish(p, Resolution{Cancelled: true, Reason: "cancelled by requester", ResolvedAt: m.clock()})
	return nil
}

// Pending lists the waits that have not resolved yet.
func (m *Manager) Pending() []PendingInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingInfo, 0, len(m.pending))
	for _, p := range m.pending {
		if p.resolved {
			continue
		}
		out = append(out, PendingInfo{
			CorrelationID: p.correlationID,
			Quorum:        p.quorum,
			Approvals:     len(p.approvers),
			ExpiresAt:     p.expiresAt,
		})
	}
	return out
}

// finish must be called with the lock held.
func (m *Manager) finish(p *pending, res Resolution) {
	p.resolved = true
	p.done <- res
	delete(m.pending, p.correlationID)
}
