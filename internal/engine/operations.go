package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/atmx/cover-engine/internal/keys"
	"github.com/atmx/cover-engine/internal/metrics"
	"github.com/atmx/cover-engine/internal/model"
	"github.com/atmx/cover-engine/internal/sharemath"
	"github.com/atmx/cover-engine/internal/store"
)

// InitializePoolParams are the inputs to InitializePool.
type InitializePoolParams struct {
	PoolID       uint64
	Asset        string
	PremiumRate  uint16 // basis points
	ThresholdMax uint16 // basis points
}

// InitializePool creates an empty pool bound to a fresh vault.
func (e *Engine) InitializePool(ctx context.Context, p InitializePoolParams) (*Receipt, error) {
	if p.PremiumRate > sharemath.BasisPoints {
		return nil, fmt.Errorf("%w: premium_rate %d exceeds %d bps", ErrInvalidParameter, p.PremiumRate, sharemath.BasisPoints)
	}
	if p.ThresholdMax > sharemath.BasisPoints {
		return nil, fmt.Errorf("%w: threshold_max %d exceeds %d bps", ErrInvalidParameter, p.ThresholdMax, sharemath.BasisPoints)
	}
	if p.Asset == "" {
		return nil, fmt.Errorf("%w: asset is required", ErrInvalidParameter)
	}

	return e.run(ctx, model.KindInitialize, p.PoolID, func(ctx context.Context, tx store.Tx) (*Receipt, error) {
		pool := &model.PoolConfig{
			PoolID:       p.PoolID,
			Asset:        p.Asset,
			Vault:        keys.Vault(p.PoolID),
			PremiumRate:  p.PremiumRate,
			ThresholdMax: p.ThresholdMax,
			CreatedAt:    e.clock.Now().UTC(),
		}
		if err := tx.CreatePool(ctx, pool); err != nil {
			return nil, storeErr(err, fmt.Sprintf("pool %d", p.PoolID))
		}
		rcpt, err := e.record(ctx, tx, model.KindInitialize, "", 0, 0, pool, 0)
		if err != nil {
			return nil, err
		}
		if err := e.ledger.Open(ctx, pool.Vault, pool.Asset); err != nil {
			return nil, transferErr(err)
		}
		return rcpt, nil
	})
}

// StakeParams are the inputs to StakeCollateral.
type StakeParams struct {
	PoolID      uint64
	Underwriter string
	Amount      uint64
}

// StakeCollateral deposits Amount into the pool's vault and mints shares at
// the current vault/share ratio, 1:1 on an empty pool.
func (e *Engine) StakeCollateral(ctx context.Context, p StakeParams) (*Receipt, error) {
	if p.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}
	if p.Underwriter == "" {
		return nil, fmt.Errorf("%w: underwriter is required", ErrInvalidParameter)
	}

	return e.run(ctx, model.KindStake, p.PoolID, func(ctx context.Context, tx store.Tx) (*Receipt, error) {
		pool, err := e.loadPool(ctx, tx, p.PoolID)
		if err != nil {
			return nil, err
		}
		vault, err := e.vaultBalance(ctx, pool)
		if err != nil {
			return nil, err
		}

		minted, err := sharemath.SharesForDeposit(p.Amount, pool.TotalShares, vault)
		if err != nil {
			return nil, mathErr(err, "shares for deposit")
		}
		if minted == 0 {
			return nil, fmt.Errorf("%w: deposit of %d mints no shares", ErrSharesZero, p.Amount)
		}
		total, err := sharemath.CheckedAdd(pool.TotalShares, minted)
		if err != nil {
			return nil, mathErr(err, "total shares")
		}

		stake, err := tx.GetStake(ctx, p.PoolID, p.Underwriter)
		if errors.Is(err, store.ErrNotFound) {
			stake = &model.UnderwriterStake{PoolID: p.PoolID, Underwriter: p.Underwriter}
		} else if err != nil {
			return nil, err
		}
		if stake.Shares, err = sharemath.CheckedAdd(stake.Shares, minted); err != nil {
			return nil, mathErr(err, "stake shares")
		}
		newVault, err := sharemath.CheckedAdd(vault, p.Amount)
		if err != nil {
			return nil, mathErr(err, "vault amount")
		}

		pool.TotalShares = total
		if err := tx.UpdatePoolShares(ctx, pool.PoolID, pool.TotalShares, pool.LockedShares); err != nil {
			return nil, err
		}
		if err := tx.PutStake(ctx, stake); err != nil {
			return nil, err
		}
		rcpt, err := e.record(ctx, tx, model.KindStake, p.Underwriter, p.Amount, minted, pool, newVault)
		if err != nil {
			return nil, err
		}
		rcpt.Stake = stake

		if err := e.ledger.Transfer(ctx, toVault(pool, p.Underwriter, p.Amount)); err != nil {
			return nil, transferErr(err)
		}
		return rcpt, nil
	})
}

// WithdrawParams are the inputs to WithdrawCollateral.
type WithdrawParams struct {
	PoolID      uint64
	Underwriter string
	Amount      uint64
}

// WithdrawCollateral pays Amount from the vault to the underwriter and burns
// the equivalent shares. Only shares not backing live policies may be
// burned.
func (e *Engine) WithdrawCollateral(ctx context.Context, p WithdrawParams) (*Receipt, error) {
	if p.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}

	return e.run(ctx, model.KindWithdraw, p.PoolID, func(ctx context.Context, tx store.Tx) (*Receipt, error) {
		pool, err := e.loadPool(ctx, tx, p.PoolID)
		if err != nil {
			return nil, err
		}
		stake, err := tx.GetStake(ctx, p.PoolID, p.Underwriter)
		if err != nil {
			return nil, storeErr(err, fmt.Sprintf("stake of %s in pool %d", p.Underwriter, p.PoolID))
		}
		if pool.TotalShares == 0 || stake.Shares == 0 {
			return nil, fmt.Errorf("%w: %s holds no shares", ErrSharesZero, p.Underwriter)
		}
		vault, err := e.vaultBalance(ctx, pool)
		if err != nil {
			return nil, err
		}

		burned, err := sharemath.SharesForDeposit(p.Amount, pool.TotalShares, vault)
		if err != nil {
			return nil, mathErr(err, "shares for withdrawal")
		}
		locked, err := sharemath.LockedPortion(pool.LockedShares, stake.Shares, pool.TotalShares)
		if err != nil {
			return nil, mathErr(err, "locked portion")
		}
		unlocked := sharemath.SaturatingSub(stake.Shares, locked)
		if unlocked == 0 {
			return nil, fmt.Errorf("%w: all of %s's shares are locked", ErrSharesZero, p.Underwriter)
		}
		if burned > unlocked {
			return nil, fmt.Errorf("%w: withdrawal needs %d shares, %d unlocked",
				ErrInsufficientUnlockedShares, burned, unlocked)
		}
		if burned == 0 {
			return nil, fmt.Errorf("%w: withdrawal of %d burns no shares", ErrSharesZero, p.Amount)
		}
		total, err := sharemath.CheckedSub(pool.TotalShares, burned)
		if err != nil {
			return nil, mathErr(err, "total shares")
		}
		if total < pool.LockedShares {
			return nil, fmt.Errorf("%w: pool would keep %d shares against %d locked",
				ErrInsufficientUnlockedShares, total, pool.LockedShares)
		}

		pool.TotalShares = total
		stake.Shares = sharemath.SaturatingSub(stake.Shares, burned)
		if err := tx.UpdatePoolShares(ctx, pool.PoolID, pool.TotalShares, pool.LockedShares); err != nil {
			return nil, err
		}
		if err := tx.PutStake(ctx, stake); err != nil {
			return nil, err
		}
		rcpt, err := e.record(ctx, tx, model.KindWithdraw, p.Underwriter, p.Amount, burned, pool,
			sharemath.SaturatingSub(vault, p.Amount))
		if err != nil {
			return nil, err
		}
		rcpt.Stake = stake

		if err := e.ledger.Transfer(ctx, e.fromVault(pool, p.Underwriter, p.Amount)); err != nil {
			return nil, transferErr(err)
		}
		return rcpt, nil
	})
}

// BuyParams are the inputs to BuyProtection.
type BuyParams struct {
	PoolID         uint64
	Buyer          string
	Threshold      uint16 // basis points
	CoverageAmount uint64
	Duration       int64 // seconds
}

// BuyProtection charges the pro-rated premium and opens a policy that locks
// the shares the premium is worth at the current ratio.
func (e *Engine) BuyProtection(ctx context.Context, p BuyParams) (*Receipt, error) {
	if p.CoverageAmount == 0 {
		return nil, fmt.Errorf("%w: coverage_amount must be positive", ErrInvalidParameter)
	}
	if p.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidParameter)
	}
	if p.Buyer == "" {
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidParameter)
	}

	return e.run(ctx, model.KindBuy, p.PoolID, func(ctx context.Context, tx store.Tx) (*Receipt, error) {
		pool, err := e.loadPool(ctx, tx, p.PoolID)
		if err != nil {
			return nil, err
		}
		if p.Threshold > pool.ThresholdMax {
			return nil, fmt.Errorf("%w: threshold %d exceeds pool maximum %d",
				ErrInvalidParameter, p.Threshold, pool.ThresholdMax)
		}
		if _, err := tx.GetPolicy(ctx, p.PoolID, p.Buyer); err == nil {
			return nil, fmt.Errorf("%w: %s already holds a policy in pool %d", ErrAlreadyExists, p.Buyer, p.PoolID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		vault, err := e.vaultBalance(ctx, pool)
		if err != nil {
			return nil, err
		}

		premium, err := sharemath.Premium(p.CoverageAmount, pool.PremiumRate, uint64(p.Duration))
		if err != nil {
			return nil, mathErr(err, "premium")
		}
		// Priced against the vault before the premium lands.
		lock, err := sharemath.SharesForDeposit(premium, pool.TotalShares, vault)
		if err != nil {
			return nil, mathErr(err, "locked shares")
		}
		if lock == 0 {
			return nil, fmt.Errorf("%w: premium of %d locks no shares", ErrSharesZero, premium)
		}
		locked, err := sharemath.CheckedAdd(pool.LockedShares, lock)
		if err != nil {
			return nil, mathErr(err, "locked shares")
		}
		if locked > pool.TotalShares {
			return nil, fmt.Errorf("%w: would lock %d of %d shares",
				ErrInsufficientCollateral, locked, pool.TotalShares)
		}

		now := e.clock.Now().Unix()
		if now > math.MaxInt64-p.Duration {
			return nil, fmt.Errorf("%w: expiry time", ErrOverflow)
		}
		newVault, err := sharemath.CheckedAdd(vault, premium)
		if err != nil {
			return nil, mathErr(err, "vault amount")
		}

		policy := &model.Policy{
			PoolID:         p.PoolID,
			Buyer:          p.Buyer,
			PolicyID:       uuid.NewString(),
			Threshold:      p.Threshold,
			CoverageAmount: p.CoverageAmount,
			LockedShares:   lock,
			StartTime:      now,
			ExpiryTime:     now + p.Duration,
		}
		pool.LockedShares = locked
		if err := tx.UpdatePoolShares(ctx, pool.PoolID, pool.TotalShares, pool.LockedShares); err != nil {
			return nil, err
		}
		if err := tx.CreatePolicy(ctx, policy); err != nil {
			return nil, storeErr(err, fmt.Sprintf("policy of %s in pool %d", p.Buyer, p.PoolID))
		}
		rcpt, err := e.record(ctx, tx, model.KindBuy, p.Buyer, premium, lock, pool, newVault)
		if err != nil {
			return nil, err
		}
		rcpt.Policy = policy

		if err := e.ledger.Transfer(ctx, toVault(pool, p.Buyer, premium)); err != nil {
			return nil, transferErr(err)
		}
		return rcpt, nil
	})
}

// ClaimParams are the inputs to ClaimProtection.
type ClaimParams struct {
	PoolID    uint64
	Buyer     string
	Threshold uint16 // basis points
}

// ClaimProtection pays the full coverage to the buyer, releases the
// policy's locked shares and closes the policy. A payout that would leave
// shares outstanding against an empty vault is refused.
func (e *Engine) ClaimProtection(ctx context.Context, p ClaimParams) (*Receipt, error) {
	return e.run(ctx, model.KindClaim, p.PoolID, func(ctx context.Context, tx store.Tx) (*Receipt, error) {
		pool, err := e.loadPool(ctx, tx, p.PoolID)
		if err != nil {
			return nil, err
		}
		policy, err := tx.GetPolicy(ctx, p.PoolID, p.Buyer)
		if err != nil {
			return nil, storeErr(err, fmt.Sprintf("policy of %s in pool %d", p.Buyer, p.PoolID))
		}
		if !e.triggered(pool, policy, p.Threshold) {
			return nil, fmt.Errorf("%w: threshold %d does not trigger a claim under rule %s",
				ErrInvalidParameter, p.Threshold, e.claimRule)
		}
		vault, err := e.vaultBalance(ctx, pool)
		if err != nil {
			return nil, err
		}
		// Shares never outlive the vault that backs them.
		if pool.TotalShares > 0 && vault == policy.CoverageAmount {
			return nil, fmt.Errorf("%w: payout of %d would empty the vault with %d shares outstanding",
				ErrInsufficientCollateral, policy.CoverageAmount, pool.TotalShares)
		}

		pool.LockedShares = sharemath.SaturatingSub(pool.LockedShares, policy.LockedShares)
		if err := tx.UpdatePoolShares(ctx, pool.PoolID, pool.TotalShares, pool.LockedShares); err != nil {
			return nil, err
		}
		if err := tx.DeletePolicy(ctx, p.PoolID, p.Buyer); err != nil {
			return nil, storeErr(err, fmt.Sprintf("policy of %s in pool %d", p.Buyer, p.PoolID))
		}
		rcpt, err := e.record(ctx, tx, model.KindClaim, p.Buyer, policy.CoverageAmount, policy.LockedShares, pool,
			sharemath.SaturatingSub(vault, policy.CoverageAmount))
		if err != nil {
			return nil, err
		}
		rcpt.Policy = policy

		if err := e.ledger.Transfer(ctx, e.fromVault(pool, p.Buyer, policy.CoverageAmount)); err != nil {
			return nil, transferErr(err)
		}
		return rcpt, nil
	})
}

func (e *Engine) triggered(pool *model.PoolConfig, policy *model.Policy, threshold uint16) bool {
	switch e.claimRule {
	case ClaimRulePolicyThreshold:
		return threshold >= policy.Threshold
	default:
		return threshold > pool.ThresholdMax
	}
}

// ReleaseExpired closes an expired policy without payout and frees the
// shares it locked.
func (e *Engine) ReleaseExpired(ctx context.Context, poolID uint64, buyer string) (*Receipt, error) {
	rcpt, err := e.run(ctx, model.KindRelease, poolID, func(ctx context.Context, tx store.Tx) (*Receipt, error) {
		pool, err := e.loadPool(ctx, tx, poolID)
		if err != nil {
			return nil, err
		}
		policy, err := tx.GetPolicy(ctx, poolID, buyer)
		if err != nil {
			return nil, storeErr(err, fmt.Sprintf("policy of %s in pool %d", buyer, poolID))
		}
		if !policy.Expired(e.clock.Now().Unix()) {
			return nil, fmt.Errorf("%w: expires at %d", ErrPolicyActive, policy.ExpiryTime)
		}
		vault, err := e.vaultBalance(ctx, pool)
		if err != nil {
			return nil, err
		}

		pool.LockedShares = sharemath.SaturatingSub(pool.LockedShares, policy.LockedShares)
		if err := tx.UpdatePoolShares(ctx, pool.PoolID, pool.TotalShares, pool.LockedShares); err != nil {
			return nil, err
		}
		if err := tx.DeletePolicy(ctx, poolID, buyer); err != nil {
			return nil, storeErr(err, fmt.Sprintf("policy of %s in pool %d", buyer, poolID))
		}
		rcpt, err := e.record(ctx, tx, model.KindRelease, buyer, 0, policy.LockedShares, pool, vault)
		if err != nil {
			return nil, err
		}
		rcpt.Policy = policy
		return rcpt, nil
	})
	if err == nil {
		metrics.PoliciesReleased.Inc()
	}
	return rcpt, err
}

// SweepExpired releases every expired policy in every pool and returns how
// many were released. Policies claimed or replaced since the scan are
// skipped.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	pools, err := e.store.ListPools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pools: %w", err)
	}

	released := 0
	for _, pool := range pools {
		policies, err := e.store.ListPolicies(ctx, pool.PoolID)
		if err != nil {
			return released, fmt.Errorf("list policies of pool %d: %w", pool.PoolID, err)
		}
		now := e.clock.Now().Unix()
		for _, pol := range policies {
			if !pol.Expired(now) {
				continue
			}
			_, err := e.ReleaseExpired(ctx, pool.PoolID, pol.Buyer)
			switch {
			case err == nil:
				released++
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrPolicyActive):
			default:
				return released, err
			}
		}
	}
	return released, nil
}
