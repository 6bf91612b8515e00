package challenge

import (
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
)

// Repository is the persistence boundary for challenge records; status
// transitions are durably recorded through it so challenges stranded
// mid-protocol can be swept after a crash
type Repository interface {
	Create(c *Challenge) error
	Save(c *Challenge) error
	FindByID(id uuid.UUID) (*Challenge, error)
	FindExpiredSent(asOf time.Time) ([]*Challenge, error)
	FindVerifyingBefore(asOf time.Time) ([]*Challenge, error)
	FindInStatus(statuses ...string) ([]*Challenge, error)
}

// DatabaseRepository persists challenges via the configured database
type DatabaseRepository struct{}

// NewDatabaseRepository returns a gorm-backed challenge repository
func NewDatabaseRepository() *DatabaseRepository {
	return &DatabaseRepository{}
}

func (r *DatabaseRepository) db() *gorm.DB {
	return dbconf.DatabaseConnection()
}

// Create inserts a new challenge record
func (r *DatabaseRepository) Create(c *Challenge) error {
	if err := c.encodeRaw(); err != nil {
		return err
	}

	result := r.db().Create(c)
	if errs := result.GetErrors(); len(errs) > 0 {
		return errs[0]
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to persist challenge %s", c.ID)
	}
	return nil
}

// Save persists the current state of a challenge record
func (r *DatabaseRepository) Save(c *Challenge) error {
	if err := c.encodeRaw(); err != nil {
		return err
	}

	result := r.db().Save(c)
	if errs := result.GetErrors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// FindByID resolves a challenge by id
func (r *DatabaseRepository) FindByID(id uuid.UUID) (*Challenge, error) {
	c := &Challenge{}
	r.db().Where("id = ?", id).Find(c)
	if c.ID == uuid.Nil {
		return nil, fmt.Errorf("challenge not found: %s", id)
	}
	if err := c.decodeRaw(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindExpiredSent returns challenges still awaiting a commitment past their
// expiry
func (r *DatabaseRepository) FindExpiredSent(asOf time.Time) ([]*Challenge, error) {
	var challenges []*Challenge
	r.db().Where("status = ? AND expires_at < ?", StatusSent, asOf).Find(&challenges)
	for _, c := range challenges {
		if err := c.decodeRaw(); err != nil {
			return nil, err
		}
	}
	return challenges, nil
}

// FindVerifyingBefore returns challenges whose asynchronous verification
// began before the given cutoff and has not completed
func (r *DatabaseRepository) FindVerifyingBefore(asOf time.Time) ([]*Challenge, error) {
	var challenges []*Challenge
	r.db().Where("status = ? AND verifying_at < ?", StatusVerifying, asOf).Find(&challenges)
	for _, c := range challenges {
		if err := c.decodeRaw(); err != nil {
			return nil, err
		}
	}
	return challenges, nil
}

// FindInStatus returns challenges in any of the given statuses
func (r *DatabaseRepository) FindInStatus(statuses ...string) ([]*Challenge, error) {
	var challenges []*Challenge
	r.db().Where("status IN (?)", statuses).Find(&challenges)
	for _, c := range challenges {
		if err := c.decodeRaw(); err != nil {
			return nil, err
		}
	}
	return challenges, nil
}

// MemoryRepository is an in-process challenge repository used in tests
type MemoryRepository struct {
	challenges map[string]*Challenge
	mutex      sync.RWMutex
}

// NewMemoryRepository returns an empty in-memory challenge repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{challenges: map[string]*Challenge{}}
}

// Create inserts a challenge
func (r *MemoryRepository) Create(c *Challenge) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.challenges[c.ID.String()]; exists {
		return fmt.Errorf("challenge already exists: %s", c.ID)
	}
	r.challenges[c.ID.String()] = c
	return nil
}

// Save persists a challenge
func (r *MemoryRepository) Save(c *Challenge) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.challenges[c.ID.String()] = c
	return nil
}

// FindByID resolves a challenge by id
func (r *MemoryRepository) FindByID(id uuid.UUID) (*Challenge, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, exists := r.challenges[id.String()]
	if !exists {
		return nil, fmt.Errorf("challenge not found: %s", id)
	}
	return c, nil
}

// FindExpiredSent returns challenges still awaiting a commitment past their
// expiry
func (r *MemoryRepository) FindExpiredSent(asOf time.Time) ([]*Challenge, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	matches := make([]*Challenge, 0)
	for _, c := range r.challenges {
		if c.Status != nil && *c.Status == StatusSent && c.ExpiresAt != nil && c.ExpiresAt.Before(asOf) {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// FindVerifyingBefore returns challenges whose asynchronous verification
// began before the given cutoff and has not completed
func (r *MemoryRepository) FindVerifyingBefore(asOf time.Time) ([]*Challenge, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	matches := make([]*Challenge, 0)
	for _, c := range r.challenges {
		if c.Status != nil && *c.Status == StatusVerifying && c.VerifyingAt != nil && c.VerifyingAt.Before(asOf) {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// FindInStatus returns challenges in any of the given statuses
func (r *MemoryRepository) FindInStatus(statuses ...string) ([]*Challenge, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	matches := make([]*Challenge, 0)
	for _, c := range r.challenges {
		for _, status := range statuses {
			if c.Status != nil && *c.Status == status {
				matches = append(matches, c)
				break
			}
		}
	}
	return matches, nil
}
