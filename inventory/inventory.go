package inventory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redisutil "github.com/kthomas/go-redisutil"

	"github.com/verinet/attest/common"
)

const snapshotTTL = time.Hour * 24

// Repository resolves the most recently reported hardware inventory for a
// worker; commitment validation rejects any device id absent from it
type Repository interface {
	Devices(peerIdentity, workerID string) ([]string, error)
	SetDevices(peerIdentity, workerID string, deviceIDs []string) error
}

// RedisRepository caches worker device snapshots in redis; the ingestion
// path refreshes them as workers report hardware
type RedisRepository struct{}

// NewRedisRepository returns a redis-backed inventory repository
func NewRedisRepository() *RedisRepository {
	return &RedisRepository{}
}

func snapshotKey(peerIdentity, workerID string) string {
	return fmt.Sprintf("attest.inventory.%s.%s", peerIdentity, workerID)
}

// Devices returns the cached device snapshot for the given worker
func (r *RedisRepository) Devices(peerIdentity, workerID string) ([]string, error) {
	raw, err := redisutil.Get(snapshotKey(peerIdentity, workerID))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inventory snapshot for worker %s; %s", workerID, err.Error())
	}
	if raw == nil {
		return []string{}, nil
	}

	var deviceIDs []string
	if err := json.Unmarshal([]byte(*raw), &deviceIDs); err != nil {
		common.Log.Warningf("failed to unmarshal inventory snapshot for worker %s; %s", workerID, err.Error())
		return nil, err
	}

	return deviceIDs, nil
}

// SetDevices stores the device snapshot for the given worker
func (r *RedisRepository) SetDevices(peerIdentity, workerID string, deviceIDs []string) error {
	raw, err := json.Marshal(deviceIDs)
	if err != nil {
		return err
	}

	ttl := snapshotTTL
	return redisutil.Set(snapshotKey(peerIdentity, workerID), string(raw), &ttl)
}

// MemoryRepository is an in-process inventory repository used in tests
type MemoryRepository struct {
	devices map[string][]string
	mutex   sync.RWMutex
}

// NewMemoryRepository returns an empty in-memory inventory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{devices: map[string][]string{}}
}

// Devices returns the stored snapshot
func (r *MemoryRepository) Devices(peerIdentity, workerID string) ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.devices[snapshotKey(peerIdentity, workerID)], nil
}

// SetDevices stores a snapshot
func (r *MemoryRepository) SetDevices(peerIdentity, workerID string, deviceIDs []string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.devices[snapshotKey(peerIdentity, workerID)] = deviceIDs
	return nil
}
