// +build unit

package challenge

import (
	"testing"

	uuid "github.com/kthomas/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChallengeID(t *testing.T) uuid.UUID {
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func TestProofCachePutTake(t *testing.T) {
	cache := NewProofCache(4, nil)

	id := newChallengeID(t)
	cache.Put("peer-1", "worker-1", id, &ProofSubmission{ChallengeID: id.String()})
	assert.Equal(t, 1, cache.Len())

	payload, exists := cache.Take("peer-1", "worker-1")
	require.True(t, exists)
	assert.Equal(t, id.String(), payload.ChallengeID)
	assert.Equal(t, 0, cache.Len())

	_, exists = cache.Take("peer-1", "worker-1")
	assert.False(t, exists)
}

func TestProofCacheCapacityEvictionFailsOldest(t *testing.T) {
	var evicted []uuid.UUID
	cache := NewProofCache(2, func(challengeID uuid.UUID, reason string) {
		evicted = append(evicted, challengeID)
	})

	first := newChallengeID(t)
	cache.Put("peer-1", "worker-1", first, &ProofSubmission{})
	cache.Put("peer-1", "worker-2", newChallengeID(t), &ProofSubmission{})
	cache.Put("peer-1", "worker-3", newChallengeID(t), &ProofSubmission{})

	assert.Equal(t, 2, cache.Len())
	require.Len(t, evicted, 1)
	assert.Equal(t, first, evicted[0])

	_, exists := cache.Take("peer-1", "worker-1")
	assert.False(t, exists)
}

func TestProofCacheRecentUseSurvivesEviction(t *testing.T) {
	var evicted []uuid.UUID
	cache := NewProofCache(2, func(challengeID uuid.UUID, reason string) {
		evicted = append(evicted, challengeID)
	})

	first := newChallengeID(t)
	second := newChallengeID(t)
	cache.Put("peer-1", "worker-1", first, &ProofSubmission{})
	cache.Put("peer-1", "worker-2", second, &ProofSubmission{})

	// refresh the first entry, then overflow; the second is now oldest
	cache.Put("peer-1", "worker-1", first, &ProofSubmission{})
	cache.Put("peer-1", "worker-3", newChallengeID(t), &ProofSubmission{})

	require.Len(t, evicted, 1)
	assert.Equal(t, second, evicted[0])

	_, exists := cache.Take("peer-1", "worker-1")
	assert.True(t, exists)
}

func TestProofCacheSameSlotReplacementEvictsSupersededChallenge(t *testing.T) {
	var evicted []uuid.UUID
	cache := NewProofCache(4, func(challengeID uuid.UUID, reason string) {
		evicted = append(evicted, challengeID)
	})

	first := newChallengeID(t)
	second := newChallengeID(t)
	cache.Put("peer-1", "worker-1", first, &ProofSubmission{ChallengeID: first.String()})
	cache.Put("peer-1", "worker-1", second, &ProofSubmission{ChallengeID: second.String()})

	assert.Equal(t, 1, cache.Len())
	require.Len(t, evicted, 1)
	assert.Equal(t, first, evicted[0])

	payload, exists := cache.Take("peer-1", "worker-1")
	require.True(t, exists)
	assert.Equal(t, second.String(), payload.ChallengeID)
}
