// Package model defines the core domain types shared across the cover engine.
// Share and asset quantities are fixed-point integers; derived ratios shown
// to clients use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolConfig is the aggregate state of one collateral pool.
// Invariant: LockedShares <= TotalShares.
type PoolConfig struct {
	PoolID       uint64    `json:"pool_id" db:"pool_id"`
	Asset        string    `json:"asset" db:"asset"`
	Vault        string    `json:"vault" db:"vault"`
	PremiumRate  uint16    `json:"premium_rate" db:"premium_rate"`   // basis points
	ThresholdMax uint16    `json:"threshold_max" db:"threshold_max"` // basis points
	TotalShares  uint64    `json:"total_shares" db:"total_shares"`
	LockedShares uint64    `json:"locked_shares" db:"locked_shares"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// UnderwriterStake is one underwriter's claim on a pool.
type UnderwriterStake struct {
	PoolID      uint64 `json:"pool_id" db:"pool_id"`
	Underwriter string `json:"underwriter" db:"underwriter"`
	Shares      uint64 `json:"shares" db:"shares"`
}

// Policy is the live coverage a buyer holds against a pool.
// At most one exists per (pool, buyer).
type Policy struct {
	PoolID         uint64 `json:"pool_id" db:"pool_id"`
	Buyer          string `json:"buyer" db:"buyer"`
	PolicyID       string `json:"policy_id" db:"policy_id"`
	Threshold      uint16 `json:"threshold" db:"threshold"`
	CoverageAmount uint64 `json:"coverage_amount" db:"coverage_amount"`
	LockedShares   uint64 `json:"locked_shares" db:"locked_shares"`
	StartTime      int64  `json:"start_time" db:"start_time"`   // unix seconds
	ExpiryTime     int64  `json:"expiry_time" db:"expiry_time"` // unix seconds
}

// Expired reports whether the policy's term has ended at now (unix seconds).
func (p *Policy) Expired(now int64) bool {
	return now >= p.ExpiryTime
}

// Activity kinds.
const (
	KindInitialize = "initialize"
	KindStake      = "stake"
	KindWithdraw   = "withdraw"
	KindBuy        = "buy"
	KindClaim      = "claim"
	KindRelease    = "release"
)

// Activity is an immutable record of one committed pool operation.
// Once created, these are never modified or deleted.
type Activity struct {
	ID           string    `json:"id" db:"id"`
	PoolID       uint64    `json:"pool_id" db:"pool_id"`
	Kind         string    `json:"kind" db:"kind"`
	Account      string    `json:"account" db:"account"`
	Amount       uint64    `json:"amount" db:"amount"` // asset units moved
	Shares       uint64    `json:"shares" db:"shares"` // shares minted, burned, locked or released
	TotalShares  uint64    `json:"total_shares" db:"total_shares"`
	LockedShares uint64    `json:"locked_shares" db:"locked_shares"`
	VaultAmount  uint64    `json:"vault_amount" db:"vault_amount"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// PoolSummary is a pool with its vault balance and derived ratios.
type PoolSummary struct {
	PoolConfig
	VaultAmount uint64          `json:"vault_amount"`
	SharePrice  decimal.Decimal `json:"share_price"` // asset units per share
	Utilization decimal.Decimal `json:"utilization"` // locked / total, percent
}

// StakeSummary splits an underwriter's shares into the part backing live
// policies and the part free to withdraw.
type StakeSummary struct {
	UnderwriterStake
	LockedShares   uint64 `json:"locked_shares"`
	UnlockedShares uint64 `json:"unlocked_shares"`
	Value          uint64 `json:"value"` // asset units the shares redeem for
}
