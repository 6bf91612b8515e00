// +build unit

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayWindowAcceptsMonotonicSequence(t *testing.T) {
	w := NewReplayWindow(4)
	for seq := uint64(1); seq <= 6; seq++ {
		assert.NoError(t, w.Validate(seq), "seq %d", seq)
	}
	assert.Equal(t, uint64(6), w.HighestSeen())
}

func TestReplayWindowRejectsExactReplay(t *testing.T) {
	w := NewReplayWindow(4)
	require.NoError(t, w.Validate(1))
	require.NoError(t, w.Validate(2))

	assert.ErrorIs(t, w.Validate(2), ErrSequenceReplayed)
	assert.ErrorIs(t, w.Validate(1), ErrSequenceReplayed)
}

func TestReplayWindowAcceptsReorderingWithinWindow(t *testing.T) {
	w := NewReplayWindow(8)
	require.NoError(t, w.Validate(1))
	require.NoError(t, w.Validate(4))
	require.NoError(t, w.Validate(2))
	require.NoError(t, w.Validate(3))

	// the late arrivals are now burned
	assert.ErrorIs(t, w.Validate(2), ErrSequenceReplayed)
}

func TestReplayWindowRejectsSequenceOlderThanWindow(t *testing.T) {
	w := NewReplayWindow(4)
	for seq := uint64(1); seq <= 6; seq++ {
		require.NoError(t, w.Validate(seq))
	}

	// window floor is highest-size+1 = 3
	assert.ErrorIs(t, w.Validate(2), ErrSequenceOutOfWindow)
	assert.ErrorIs(t, w.Validate(3), ErrSequenceReplayed)
}

func TestReplayWindowRejectsImplausibleJump(t *testing.T) {
	w := NewReplayWindow(4)
	require.NoError(t, w.Validate(1))

	// ceiling is highest+2*size = 9
	assert.ErrorIs(t, w.Validate(10), ErrSequenceOutOfWindow)
	assert.NoError(t, w.Validate(9))
}

func TestReplayWindowRejectionDoesNotMutateState(t *testing.T) {
	w := NewReplayWindow(4)
	require.NoError(t, w.Validate(3))

	require.Error(t, w.Validate(12))
	assert.Equal(t, uint64(3), w.HighestSeen())

	// a plausible successor is still accepted
	assert.NoError(t, w.Validate(4))
}
