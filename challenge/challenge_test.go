// +build unit

package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/compute"
)

func testParams() *compute.Params {
	return &compute.Params{MatrixSize: 8, Seed: 42, Iterations: 2}
}

func TestNewChallengeValidation(t *testing.T) {
	_, err := New("peer-1", "worker-1", "quantum_matrix", testParams())
	assert.Error(t, err)

	_, err = New("peer-1", "worker-1", TypeCPUMatrix, &compute.Params{MatrixSize: 0, Iterations: 1})
	assert.Error(t, err)

	c, err := New("peer-1", "worker-1", TypeGPUMatrix, testParams())
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, *c.Status)
	assert.True(t, c.IsGPU())
	assert.False(t, c.Terminal())
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from    string
		to      string
		allowed bool
	}{
		{StatusCreated, StatusSent, true},
		{StatusCreated, StatusCommitted, false},
		{StatusCreated, StatusVerified, false},
		{StatusSent, StatusCommitted, true},
		{StatusSent, StatusFailed, true},
		{StatusSent, StatusVerifying, false},
		{StatusCommitted, StatusVerifying, true},
		{StatusCommitted, StatusVerified, true},
		{StatusCommitted, StatusFailed, true},
		{StatusCommitted, StatusSent, false},
		{StatusVerifying, StatusVerified, true},
		{StatusVerifying, StatusFailed, true},
		{StatusVerifying, StatusCommitted, false},
		{StatusVerified, StatusFailed, false},
		{StatusVerified, StatusSent, false},
		{StatusFailed, StatusVerified, false},
		{StatusFailed, StatusSent, false},
	}

	for _, tc := range cases {
		c, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
		require.NoError(t, err)
		c.Status = common.StringOrNil(tc.from)
		assert.Equal(t, tc.allowed, c.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	repo := NewMemoryRepository()
	c, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	require.NoError(t, repo.Create(c))

	err = c.updateStatus(repo, StatusVerified, nil)
	assert.Error(t, err)
	assert.Equal(t, StatusCreated, *c.Status)
}

func TestUpdateStatusStampsTimestamps(t *testing.T) {
	repo := NewMemoryRepository()
	c, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	require.NoError(t, repo.Create(c))

	require.NoError(t, c.updateStatus(repo, StatusSent, nil))
	require.NotNil(t, c.SentAt)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, c.ExpiresAt.After(*c.SentAt))

	require.NoError(t, c.updateStatus(repo, StatusCommitted, nil))
	assert.NotNil(t, c.ComputedAt)

	require.NoError(t, c.updateStatus(repo, StatusVerifying, nil))
	assert.NotNil(t, c.VerifyingAt)
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	repo := NewMemoryRepository()
	c, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	require.NoError(t, repo.Create(c))

	require.NoError(t, c.updateStatus(repo, StatusSent, nil))
	require.NoError(t, c.Fail(repo, "worker did not respond"))
	assert.True(t, c.Terminal())
	require.NotNil(t, c.Reason)
	assert.Equal(t, "worker did not respond", *c.Reason)

	assert.Error(t, c.updateStatus(repo, StatusCommitted, nil))
	assert.Error(t, c.Fail(repo, "again"))
	assert.Equal(t, StatusFailed, *c.Status)
}

func TestRawColumnRoundTrip(t *testing.T) {
	c, err := New("peer-1", "worker-1", TypeGPUMatrix, testParams())
	require.NoError(t, err)

	c.MerkleCommitments = map[string]string{"gpu-0": "aabb", "gpu-1": "ccdd"}
	c.VerificationTargets = &VerificationTargets{
		Rows:        []uint64{1, 3},
		Coordinates: [][2]uint64{{2, 5}},
	}

	require.NoError(t, c.encodeRaw())
	require.NotEmpty(t, c.CommitmentsRaw)
	require.NotEmpty(t, c.TargetsRaw)

	restored := &Challenge{CommitmentsRaw: c.CommitmentsRaw, TargetsRaw: c.TargetsRaw}
	require.NoError(t, restored.decodeRaw())
	assert.Equal(t, c.MerkleCommitments, restored.MerkleCommitments)
	assert.Equal(t, c.VerificationTargets, restored.VerificationTargets)
}

func TestVerificationTargetsTotal(t *testing.T) {
	var nilTargets *VerificationTargets
	assert.Equal(t, 0, nilTargets.Total())

	targets := &VerificationTargets{Rows: []uint64{1, 2}, Coordinates: [][2]uint64{{0, 0}}}
	assert.Equal(t, 3, targets.Total())
}

func TestMemoryRepositoryExpiredSentFilter(t *testing.T) {
	repo := NewMemoryRepository()

	expired, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	expired.Status = common.StringOrNil(StatusSent)
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, repo.Create(expired))

	pending, err := New("peer-1", "worker-2", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	pending.Status = common.StringOrNil(StatusSent)
	future := time.Now().Add(time.Minute)
	pending.ExpiresAt = &future
	require.NoError(t, repo.Create(pending))

	matches, err := repo.FindExpiredSent(time.Now())
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, expired.ID, matches[0].ID)
}

func TestMemoryRepositoryVerifyingBeforeFilter(t *testing.T) {
	repo := NewMemoryRepository()

	stale, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	stale.Status = common.StringOrNil(StatusVerifying)
	past := time.Now().Add(-time.Hour)
	stale.VerifyingAt = &past
	require.NoError(t, repo.Create(stale))

	fresh, err := New("peer-1", "worker-2", TypeCPUMatrix, testParams())
	require.NoError(t, err)
	fresh.Status = common.StringOrNil(StatusVerifying)
	now := time.Now()
	fresh.VerifyingAt = &now
	require.NoError(t, repo.Create(fresh))

	matches, err := repo.FindVerifyingBefore(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, stale.ID, matches[0].ID)
}

func TestNotificationsSubject(t *testing.T) {
	c, err := New("peer-1", "worker-1", TypeCPUMatrix, testParams())
	require.NoError(t, err)

	subject := c.notificationsSubject(StatusVerified)
	require.NotNil(t, subject)
	assert.Equal(t, "attest.challenge.notification.peer-1."+c.ID.String()+".verified", *subject)

	prefix := c.notificationsSubject("")
	require.NotNil(t, prefix)
	assert.Equal(t, "attest.challenge.notification.peer-1."+c.ID.String(), *prefix)

	c.PeerIdentity = nil
	assert.Nil(t, c.notificationsSubject(StatusVerified))
}
