package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/cover-engine/internal/model"
	"github.com/atmx/cover-engine/internal/sharemath"
)

// Pool returns a pool with its vault balance and derived ratios.
func (e *Engine) Pool(ctx context.Context, poolID uint64) (*model.PoolSummary, error) {
	pool, err := e.loadPool(ctx, e.store, poolID)
	if err != nil {
		return nil, err
	}
	return e.summarize(ctx, pool)
}

// Pools returns a summary of every pool, ordered by ID.
func (e *Engine) Pools(ctx context.Context) ([]model.PoolSummary, error) {
	pools, err := e.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]model.PoolSummary, 0, len(pools))
	for i := range pools {
		s, err := e.summarize(ctx, &pools[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (e *Engine) summarize(ctx context.Context, pool *model.PoolConfig) (*model.PoolSummary, error) {
	vault, err := e.vaultBalance(ctx, pool)
	if err != nil {
		return nil, err
	}
	s := &model.PoolSummary{
		PoolConfig:  *pool,
		VaultAmount: vault,
		SharePrice:  decimal.NewFromInt(1), // bootstrap price
		Utilization: decimal.Zero,
	}
	if pool.TotalShares > 0 {
		total := dec(pool.TotalShares)
		s.SharePrice = dec(vault).DivRound(total, 8)
		s.Utilization = dec(pool.LockedShares).Mul(decimal.NewFromInt(100)).DivRound(total, 2)
	}
	return s, nil
}

// Stake returns an underwriter's shares split into locked and unlocked
// portions, and what they currently redeem for.
func (e *Engine) Stake(ctx context.Context, poolID uint64, underwriter string) (*model.StakeSummary, error) {
	pool, err := e.loadPool(ctx, e.store, poolID)
	if err != nil {
		return nil, err
	}
	stake, err := e.store.GetStake(ctx, poolID, underwriter)
	if err != nil {
		return nil, storeErr(err, fmt.Sprintf("stake of %s in pool %d", underwriter, poolID))
	}
	s := &model.StakeSummary{UnderwriterStake: *stake}
	if pool.TotalShares == 0 {
		return s, nil
	}

	vault, err := e.vaultBalance(ctx, pool)
	if err != nil {
		return nil, err
	}
	if s.LockedShares, err = sharemath.LockedPortion(pool.LockedShares, stake.Shares, pool.TotalShares); err != nil {
		return nil, mathErr(err, "locked portion")
	}
	s.UnlockedShares = sharemath.SaturatingSub(stake.Shares, s.LockedShares)
	if s.Value, err = sharemath.AssetForShares(stake.Shares, pool.TotalShares, vault); err != nil {
		return nil, mathErr(err, "stake value")
	}
	return s, nil
}

// Policy returns a buyer's live policy.
func (e *Engine) Policy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	pol, err := e.store.GetPolicy(ctx, poolID, buyer)
	if err != nil {
		return nil, storeErr(err, fmt.Sprintf("policy of %s in pool %d", buyer, poolID))
	}
	return pol, nil
}

// Policies returns every live policy in a pool.
func (e *Engine) Policies(ctx context.Context, poolID uint64) ([]model.Policy, error) {
	if _, err := e.loadPool(ctx, e.store, poolID); err != nil {
		return nil, err
	}
	return e.store.ListPolicies(ctx, poolID)
}

// Activity returns a pool's committed operations, oldest first.
func (e *Engine) Activity(ctx context.Context, poolID uint64) ([]model.Activity, error) {
	if _, err := e.loadPool(ctx, e.store, poolID); err != nil {
		return nil, err
	}
	return e.store.ListActivity(ctx, poolID)
}
