package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(corrID, entity string, outcome ledger.Outcome) *ledger.AuditRecord {
	req := action.NewRequest(action.TargetEDR, "isolate_host", entity,
		map[string]any{"reason": "test"}, "analyst@soc").WithCorrelationID(corrID)
	return &ledger.AuditRecord{
		Request:  req,
		Decision: action.Approved("policy constraints satisfied"),
		Result:   &action.ExecutionResult{Status: action.StatusSuccess, Duration: time.Millisecond},
		Outcome:  outcome,
	}
}

func TestMemoryLedger_AppendSealsChain(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	r1 := record("corr-1", "host-1", ledger.OutcomeCompleted)
	require.NoError(t, l.Append(ctx, r1))
	r2 := record("corr-2", "host-2", ledger.OutcomeFailed)
	require.NoError(t, l.Append(ctx, r2))

	assert.NotEmpty(t, r1.ID)
	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, "genesis", r1.PrevHash)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestMemoryLedger_QueryFilters(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("corr-1", "host-1", ledger.OutcomeCompleted)))
	require.NoError(t, l.Append(ctx, record("corr-2", "host-2", ledger.OutcomeFailed)))
	require.NoError(t, l.Append(ctx, record("corr-3", "host-1", ledger.OutcomeUnconfirmed)))

	got, err := l.Query(ctx, ledger.Filter{Entity: "host-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.Query(ctx, ledger.Filter{Outcome: ledger.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "corr-2", got[0].Request.CorrelationID)

	got, err = l.Query(ctx, ledger.Filter{CorrelationID: "corr-3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryLedger_CorrectionFoundByOriginalCorrelationID(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("corr-1", "host-1", ledger.OutcomeCompleted)))

	correction := record("corr-1:rollback", "host-1", ledger.OutcomeCompleted)
	correction.RefersTo = "corr-1"
	require.NoError(t, l.Append(ctx, correction))

	got, err := l.Query(ctx, ledger.Filter{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryLedger_VerifyChainDetectsTamper(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("corr-1", "host-1", ledger.OutcomeCompleted)))
	require.NoError(t, l.Append(ctx, record("corr-2", "host-2", ledger.OutcomeCompleted)))

	l.Tamper(0, func(rec *ledger.AuditRecord) {
		rec.Outcome = ledger.OutcomeFailed
	})

	err := l.VerifyChain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrChainBroken)
}

func TestMemoryLedger_AppendFailureIsWriteFailed(t *testing.T) {
	l := ledger.NewMemoryLedger()
	l.FailNextAppend(errors.New("disk full"))
	err := l.Append(context.Background(), record("corr-1", "host-1", ledger.OutcomeCompleted))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrWriteFailed)
}

func TestFileLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	l, err := ledger.NewFileLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, record("corr-1", "host-1", ledger.OutcomeCompleted)))
	require.NoError(t, l.Append(ctx, record("corr-2", "host-2", ledger.OutcomeFailed)))
	require.NoError(t, l.Close())

	reopened, err := ledger.NewFileLedger(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	require.NoError(t, reopened.VerifyChain(ctx))

	got, err := reopened.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[1].Sequence)

	// The chain continues from the recovered head.
	r3 := record("corr-3", "host-3", ledger.OutcomeCompleted)
	require.NoError(t, reopened.Append(ctx, r3))
	assert.Equal(t, got[1].Hash, r3.PrevHash)
}

func TestFileLedger_QueryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := ledger.NewFileLedger(path)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, record("corr", "host-1", ledger.OutcomeCompleted)))
	}
	got, err := l.Query(ctx, ledger.Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
