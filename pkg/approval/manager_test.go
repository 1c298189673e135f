package approval_test

import (
	"testing"
	"time"

	"github.com/sentinelops/aegis/pkg/approval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprove_SingleQuorum(t *testing.T) {
	m := approval.NewManager(time.Minute)
	done, _, err := m.Begin("corr-1", 1)
	require.NoError(t, err)

	require.NoError(t, m.Approve("corr-1", "operator-a"))

	res := <-done
	assert.True(t, res.Approved)
	assert.Equal(t, []string{"operator-a"}, res.Approvers)
}

func TestApprove_DualQuorumNeedsDistinctApprovers(t *testing.T) {
	m := approval.NewManager(time.Minute)
	done, _, err := m.Begin("corr-1", 2)
	require.NoError(t, err)

	require.NoError(t, m.Approve("corr-1", "operator-a"))
	select {
	case <-done:
		t.Fatal("resolved before quorum met")
	default:
	}

	// The same principal cannot co-sign their own approval.
	err = m.Approve("corr-1", "operator-a")
	assert.ErrorIs(t, err, approval.ErrDuplicateApprover)

	require.NoError(t, m.Approve("corr-1", "operator-b"))
	res := <-done
	assert.True(t, res.Approved)
	assert.Len(t, res.Approvers, 2)
}

func TestDeny_SingleDenialWins(t *testing.T) {
	m := approval.NewManager(time.Minute)
	done, _, err := m.Begin("corr-1", 2)
	require.NoError(t, err)

	require.NoError(t, m.Approve("corr-1", "operator-a"))
	require.NoError(t, m.Deny("corr-1", "operator-b", "wrong host"))

	res := <-done
	assert.False(t, res.Approved)
	assert.Equal(t, "operator-b", res.DeniedBy)
	assert.Equal(t, "wrong host", res.Reason)
}

func TestApprove_AfterExpiryResolvesTimedOut(t *testing.T) {
	now := time.Now()
	m := approval.NewManager(time.Minute).WithClock(func() time.Time { return now })
	done, _, err := m.Begin("corr-1", 1)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	err = m.Approve("corr-1", "operator-a")
	assert.ErrorIs(t, err, approval.ErrNotPending)

	res := <-done
	assert.True(t, res.TimedOut)
	assert.False(t, res.Approved)
}

func TestExpire_ResolvesOnce(t *testing.T) {
	m := approval.NewManager(time.Minute)
	done, _, err := m.Begin("corr-1", 1)
	require.NoError(t, err)

	m.Expire("corr-1")
	m.Expire("corr-1") // idempotent

	res := <-done
	assert.True(t, res.TimedOut)

	assert.ErrorIs(t, m.Approve("corr-1", "operator-a"), approval.ErrNotPending)
}

func TestCancel(t *testing.T) {
	m := approval.NewManager(time.Minute)
	done, _, err := m.Begin("corr-1", 1)
	require.NoError(t, err)

	require.NoError(t, m.Cancel("corr-1"))
	res := <-done
	assert.True(t, res.Cancelled)
}

func TestBegin_DuplicateRejected(t *testing.T) {
	m := approval.NewManager(time.Minute)
	_, _, err := m.Begin("corr-1", 1)
	require.NoError(t, err)
	_, _, err = m.Begin("corr-1", 1)
	assert.ErrorIs(t, err, approval.ErrAlreadyPending)
}

func TestPending_Listing(t *testing.T) {
	m := approval.NewManager(time.Minute)
	_, _, err := m.Begin("corr-1", 2)
	require.NoError(t, err)
	require.NoError(t, m.Approve("corr-1", "operator-a"))

	listed := m.Pending()
	require.Len(t, listed, 1)
	assert.Equal(t, "corr-1", listed[0].CorrelationID)
	assert.Equal(t, 2, listed[0].Quorum)
	assert.Equal(t, 1, listed[0].Approvals)
}

func TestResolve_UnknownCorrelationID(t *testing.T) {
	m := approval.NewManager(time.Minute)
	assert.ErrorIs(t, m.Approve("ghost", "operator-a"), approval.ErrNotPending)
	assert.ErrorIs(t, m.Deny("ghost", "operator-a", "x"), approval.ErrNotPending)
}
