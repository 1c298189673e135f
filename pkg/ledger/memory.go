package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps the chain in process memory. Used by tests and
// short-lived tooling; production deployments use the file or SQL ledgers.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   []AuditRecord
	sequence  uint64
	chainHead string
	clock     func() time.Time

	failNext error
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{chainHead: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	m.clock = clock
	return m
}

// FailNextAppend makes subsequent appends fail, for exercising the
// unaudited-success escalation path.
func (m *MemoryLedger) FailNextAppend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryLedger) Append(ctx context.Context, rec *AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		return joinWriteErr(m.failNext)
	}

	m.sequence++
	if err := seal(rec, m.sequence, m.chainHead, m.clock().UTC()); err != nil {
		m.sequence--
		return err
	}
	m.records = append(m.records, *rec)
	m.chainHead = rec.Hash
	return nil
}

func (m *MemoryLedger) Query(ctx context.Context, f Filter) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AuditRecord, 0)
	for _, rec := range m.records {
		if !matches(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryLedger) VerifyChain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	prev := genesisHash
	for _, rec := range m.records {
		if err := verifyRecord(rec, prev); err != nil {
			return err
		}
		prev = rec.Hash
	}
	return nil
}

// Tamper overwrites a stored record in place. Test hook only: it exists so
// chain verification has something to catch.
func (m *MemoryLedger) Tamper(index int, mutate func(*AuditRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.records) {
		mutate(&m.records[index])
	}
}
