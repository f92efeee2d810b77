// Package events publishes committed pool operations to subscribers.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypePoolInitialized     = "pool_initialized"
	TypeCollateralStaked    = "collateral_staked"
	TypeCollateralWithdrawn = "collateral_withdrawn"
	TypeProtectionBought    = "protection_bought"
	TypeProtectionClaimed   = "protection_claimed"
	TypePolicyReleased      = "policy_released"
)

// Event describes one committed pool operation and the pool state after it.
// Quantities are decimal strings so JavaScript clients keep full uint64
// precision.
type Event struct {
	Type         string    `json:"type"`
	PoolID       uint64    `json:"pool_id,string"`
	Account      string    `json:"account,omitempty"`
	Amount       uint64    `json:"amount,string"`
	Shares       uint64    `json:"shares,string"`
	TotalShares  uint64    `json:"total_shares,string"`
	LockedShares uint64    `json:"locked_shares,string"`
	VaultAmount  uint64    `json:"vault_amount,string"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller for
// long; the engine publishes after commit on the request path.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Fanout publishes each event to every non-nil publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}
