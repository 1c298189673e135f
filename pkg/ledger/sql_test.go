package ledger_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/sentinelops/aegis/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func sqliteLedger(t *testing.T) *ledger.SQLLedger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive for the test.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l, err := ledger.NewSQLLedger(db)
	require.NoError(t, err)
	return l
}

func TestSQLLedger_AppendAndChain(t *testing.T) {
	l := sqliteLedger(t)
	ctx := context.Background()

	r1 := record("corr-1", "host-1", ledger.OutcomeCompleted)
	require.NoError(t, l.Append(ctx, r1))
	r2 := record("corr-2", "host-2", ledger.OutcomeUnconfirmed)
	require.NoError(t, l.Append(ctx, r2))

	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestSQLLedger_QueryFilters(t *testing.T) {
	l := sqliteLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("corr-1", "host-1", ledger.OutcomeCompleted)))
	require.NoError(t, l.Append(ctx, record("corr-2", "host-2", ledger.OutcomeFailed)))

	got, err := l.Query(ctx, ledger.Filter{CorrelationID: "corr-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.OutcomeFailed, got[0].Outcome)

	got, err = l.Query(ctx, ledger.Filter{Entity: "host-1", Outcome: ledger.OutcomeCompleted})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = l.Query(ctx, ledger.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLLedger_CorrectionsByRefersTo(t *testing.T) {
	l := sqliteLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("corr-1", "host-1", ledger.OutcomeCompleted)))

	correction := record("corr-1:rollback", "host-1", ledger.OutcomeCompleted)
	correction.RefersTo = "corr-1"
	require.NoError(t, l.Append(ctx, correction))

	got, err := l.Query(ctx, ledger.Filter{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
