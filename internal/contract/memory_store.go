package contract

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	contracts map[string]*Contract
	byCode    map[string]string // code -> id
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
		byCode:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s already exists", c.ID)
	}
	m.contracts[c.ID] = copyContract(c)
	m.byCode[c.Code] = c.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return copyContract(c), nil
}

func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrContractNotFound
	}
	return copyContract(m.contracts[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}

	// Status and history belong to TransitionStatus; carry the stored
	// values so a stale Update cannot clobber a concurrent transition.
	cp := copyContract(c)
	cp.Status = stored.Status
	cp.StatusHistory = append([]StatusChange(nil), stored.StatusHistory...)

	// release_fund_status only advances; an Update from a read taken
	// before a settlement committed must not walk it back.
	if releaseFundRank(cp.ReleaseFundStatus) < releaseFundRank(stored.ReleaseFundStatus) {
		cp.ReleaseFundStatus = stored.ReleaseFundStatus
	}
	m.contracts[c.ID] = cp
	return nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[id]
	if !ok {
		return ErrContractNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}

	c.Status = to
	c.StatusHistory = append(c.StatusHistory, StatusChange{Status: to, ChangedAt: at})
	c.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.IsDeleted {
			continue
		}
		if c.ClientID != userID && c.FreelancerID != userID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		result = append(result, copyContract(c))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// copyContract returns a deep copy so callers cannot mutate stored state
// through the shared history slice.
func copyContract(c *Contract) *Contract {
	cp := *c
	cp.StatusHistory = append([]StatusChange(nil), c.StatusHistory...)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
