package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/cover-engine/internal/keys"
	"github.com/atmx/cover-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps keyed by derived record
// keys. Used for testing and development. Not suitable for production (no
// persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[string]*model.PoolConfig
	stakes   map[string]*model.UnderwriterStake
	policies map[string]*model.Policy
	activity []model.Activity

	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]*model.PoolConfig),
		stakes:   make(map[string]*model.UnderwriterStake),
		policies: make(map[string]*model.Policy),
		locks:    make(map[uint64]*sync.Mutex),
	}
}

func (s *MemoryStore) poolLock(poolID uint64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[poolID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[poolID] = l
	}
	return l
}

func (s *MemoryStore) RunInTx(ctx context.Context, poolID uint64, fn func(ctx context.Context, tx Tx) error) error {
	l := s.poolLock(poolID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{
		s:        s,
		pools:    make(map[string]*model.PoolConfig),
		stakes:   make(map[string]*model.UnderwriterStake),
		policies: make(map[string]*model.Policy),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range tx.pools {
		s.pools[k] = p
	}
	for k, st := range tx.stakes {
		s.stakes[k] = st
	}
	for k, p := range tx.policies {
		if p == nil {
			delete(s.policies, k)
			continue
		}
		s.policies[k] = p
	}
	s.activity = append(s.activity, tx.activity...)
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, poolID uint64) (*model.PoolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[keys.Pool(poolID)]
	if !ok {
		return nil, fmt.Errorf("%w: pool %d", ErrNotFound, poolID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetStake(_ context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stakes[keys.Stake(poolID, underwriter)]
	if !ok {
		return nil, fmt.Errorf("%w: stake %d/%s", ErrNotFound, poolID, underwriter)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[keys.Policy(poolID, buyer)]
	if !ok {
		return nil, fmt.Errorf("%w: policy %d/%s", ErrNotFound, poolID, buyer)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.PoolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.PoolConfig, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].PoolID < pools[j].PoolID })
	return pools, nil
}

func (s *MemoryStore) ListStakes(_ context.Context, poolID uint64) ([]model.UnderwriterStake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stakes []model.UnderwriterStake
	for _, st := range s.stakes {
		if st.PoolID == poolID {
			stakes = append(stakes, *st)
		}
	}
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].Underwriter < stakes[j].Underwriter })
	return stakes, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context, poolID uint64) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var policies []model.Policy
	for _, p := range s.policies {
		if p.PoolID == poolID {
			policies = append(policies, *p)
		}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Buyer < policies[j].Buyer })
	return policies, nil
}

func (s *MemoryStore) ListActivity(_ context.Context, poolID uint64) ([]model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Activity
	for _, a := range s.activity {
		if a.PoolID == poolID {
			result = append(result, a)
		}
	}
	return result, nil
}

// memTx stages writes until RunInTx commits them. A nil policy marks a
// deletion.
type memTx struct {
	s        *MemoryStore
	pools    map[string]*model.PoolConfig
	stakes   map[string]*model.UnderwriterStake
	policies map[string]*model.Policy
	activity []model.Activity
}

func (tx *memTx) GetPool(ctx context.Context, poolID uint64) (*model.PoolConfig, error) {
	if p, ok := tx.pools[keys.Pool(poolID)]; ok {
		cp := *p
		return &cp, nil
	}
	return tx.s.GetPool(ctx, poolID)
}

func (tx *memTx) GetStake(ctx context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error) {
	if st, ok := tx.stakes[keys.Stake(poolID, underwriter)]; ok {
		cp := *st
		return &cp, nil
	}
	return tx.s.GetStake(ctx, poolID, underwriter)
}

func (tx *memTx) GetPolicy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	if p, ok := tx.policies[keys.Policy(poolID, buyer)]; ok {
		if p == nil {
			return nil, fmt.Errorf("%w: policy %d/%s", ErrNotFound, poolID, buyer)
		}
		cp := *p
		return &cp, nil
	}
	return tx.s.GetPolicy(ctx, poolID, buyer)
}

func (tx *memTx) CreatePool(ctx context.Context, pool *model.PoolConfig) error {
	if _, err := tx.GetPool(ctx, pool.PoolID); err == nil {
		return fmt.Errorf("%w: pool %d", ErrDuplicate, pool.PoolID)
	}
	cp := *pool
	tx.pools[keys.Pool(pool.PoolID)] = &cp
	return nil
}

func (tx *memTx) UpdatePoolShares(ctx context.Context, poolID uint64, totalShares, lockedShares uint64) error {
	p, err := tx.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	p.TotalShares = totalShares
	p.LockedShares = lockedShares
	tx.pools[keys.Pool(poolID)] = p
	return nil
}

func (tx *memTx) PutStake(_ context.Context, stake *model.UnderwriterStake) error {
	cp := *stake
	tx.stakes[keys.Stake(stake.PoolID, stake.Underwriter)] = &cp
	return nil
}

func (tx *memTx) CreatePolicy(ctx context.Context, policy *model.Policy) error {
	if _, err := tx.GetPolicy(ctx, policy.PoolID, policy.Buyer); err == nil {
		return fmt.Errorf("%w: policy %d/%s", ErrDuplicate, policy.PoolID, policy.Buyer)
	}
	cp := *policy
	tx.policies[keys.Policy(policy.PoolID, policy.Buyer)] = &cp
	return nil
}

func (tx *memTx) DeletePolicy(ctx context.Context, poolID uint64, buyer string) error {
	if _, err := tx.GetPolicy(ctx, poolID, buyer); err != nil {
		return err
	}
	tx.policies[keys.Policy(poolID, buyer)] = nil
	return nil
}

func (tx *memTx) InsertActivity(_ context.Context, a *model.Activity) error {
	tx.activity = append(tx.activity, *a)
	return nil
}
