package challenge

import (
	"container/list"
	"fmt"
	"sync"

	uuid "github.com/kthomas/go.uuid"

	"github.com/verinet/attest/common"
)

// EvictionHandler is invoked outside the cache lock when a pending payload
// is displaced; the affected challenge must be failed, never silently lost
type EvictionHandler func(challengeID uuid.UUID, reason string)

type cacheEntry struct {
	key         string
	challengeID uuid.UUID
	payload     *ProofSubmission
}

// ProofCache is the bounded LRU holding accepted-but-not-yet-verified
// phase-2 payloads, keyed by (peer identity, worker id) with one pending
// payload per key; a newer submission for the same key replaces the prior
// one
type ProofCache struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	onEvict  EvictionHandler
	mutex    sync.Mutex
}

// NewProofCache returns a proof cache with the given capacity
func NewProofCache(capacity int, onEvict EvictionHandler) *ProofCache {
	if capacity <= 0 {
		capacity = common.DefaultProofCacheCapacity
	}
	return &ProofCache{
		capacity: capacity,
		order:    list.New(),
		entries:  map[string]*list.Element{},
		onEvict:  onEvict,
	}
}

func cacheKey(peerIdentity, workerID string) string {
	return fmt.Sprintf("%s|%s", peerIdentity, workerID)
}

// Put stores a pending payload, replacing any prior payload for the same
// key and evicting the least-recently-used entry when at capacity
func (pc *ProofCache) Put(peerIdentity, workerID string, challengeID uuid.UUID, payload *ProofSubmission) {
	key := cacheKey(peerIdentity, workerID)

	var evicted *cacheEntry

	pc.mutex.Lock()
	if element, exists := pc.entries[key]; exists {
		entry := element.Value.(*cacheEntry)
		if entry.challengeID != challengeID {
			evicted = &cacheEntry{challengeID: entry.challengeID}
		}
		entry.challengeID = challengeID
		entry.payload = payload
		pc.order.MoveToFront(element)
	} else {
		if pc.order.Len() >= pc.capacity {
			oldest := pc.order.Back()
			if oldest != nil {
				entry := oldest.Value.(*cacheEntry)
				pc.order.Remove(oldest)
				delete(pc.entries, entry.key)
				evicted = entry
			}
		}
		pc.entries[key] = pc.order.PushFront(&cacheEntry{
			key:         key,
			challengeID: challengeID,
			payload:     payload,
		})
	}
	pc.mutex.Unlock()

	if evicted != nil && pc.onEvict != nil {
		pc.onEvict(evicted.challengeID, "pending proof evicted from cache")
	}
}

// Take removes and returns the pending payload for the given key
func (pc *ProofCache) Take(peerIdentity, workerID string) (*ProofSubmission, bool) {
	key := cacheKey(peerIdentity, workerID)

	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	element, exists := pc.entries[key]
	if !exists {
		return nil, false
	}

	entry := element.Value.(*cacheEntry)
	pc.order.Remove(element)
	delete(pc.entries, key)

	return entry.payload, true
}

// Len returns the number of pending payloads
func (pc *ProofCache) Len() int {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.order.Len()
}
