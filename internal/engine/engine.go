// Package engine implements the pool operations: initialization, collateral
// staking and withdrawal, protection purchase, claim settlement, and the
// release of expired policies.
//
// Every operation validates first, stages its record writes, and performs
// its single custody transfer last, all inside one store transaction on the
// pool. A failure at any step leaves every record and balance untouched.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/cover-engine/internal/custody"
	"github.com/atmx/cover-engine/internal/events"
	"github.com/atmx/cover-engine/internal/metrics"
	"github.com/atmx/cover-engine/internal/model"
	"github.com/atmx/cover-engine/internal/store"
)

// Clock is the time source for policy terms and activity timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClaimRule selects how a claim's threshold is checked.
type ClaimRule string

const (
	// ClaimRuleThresholdMax accepts a claim when the supplied threshold
	// exceeds the pool's ThresholdMax.
	ClaimRuleThresholdMax ClaimRule = "threshold_max"

	// ClaimRulePolicyThreshold accepts a claim when the supplied threshold
	// reaches the threshold the buyer selected at purchase.
	ClaimRulePolicyThreshold ClaimRule = "policy_threshold"
)

// ParseClaimRule validates a configured rule name.
func ParseClaimRule(s string) (ClaimRule, error) {
	switch r := ClaimRule(s); r {
	case ClaimRuleThresholdMax, ClaimRulePolicyThreshold:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown claim rule %q", ErrInvalidParameter, s)
	}
}

// Engine runs pool operations against a record store and a custody ledger.
// It is safe for concurrent use; operations on the same pool are serialized
// by the store.
type Engine struct {
	store     store.Store
	ledger    custody.Ledger
	keyring   *custody.Keyring
	clock     Clock
	pub       events.Publisher
	claimRule ClaimRule
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPublisher sets where committed operations are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithClaimRule selects the claim trigger check.
func WithClaimRule(r ClaimRule) Option {
	return func(e *Engine) { e.claimRule = r }
}

// New creates an engine. The keyring must be the one the ledger verifies
// vault authorities against.
func New(st store.Store, ledger custody.Ledger, keyring *custody.Keyring, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		ledger:    ledger,
		keyring:   keyring,
		clock:     SystemClock{},
		pub:       events.Fanout(nil),
		claimRule: ClaimRuleThresholdMax,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClaimRule returns the configured claim trigger check.
func (e *Engine) ClaimRule() ClaimRule { return e.claimRule }

// Receipt describes one committed operation.
type Receipt struct {
	Activity    model.Activity          `json:"activity"`
	Pool        model.PoolConfig        `json:"pool"`
	VaultAmount uint64                  `json:"vault_amount"`
	Stake       *model.UnderwriterStake `json:"stake,omitempty"`
	Policy      *model.Policy           `json:"policy,omitempty"`
}

type opInfo struct {
	event string
	msg   string
}

var ops = map[string]opInfo{
	model.KindInitialize: {events.TypePoolInitialized, "pool initialized"},
	model.KindStake:      {events.TypeCollateralStaked, "collateral staked"},
	model.KindWithdraw:   {events.TypeCollateralWithdrawn, "collateral withdrawn"},
	model.KindBuy:        {events.TypeProtectionBought, "protection bought"},
	model.KindClaim:      {events.TypeProtectionClaimed, "protection claimed"},
	model.KindRelease:    {events.TypePolicyReleased, "expired policy released"},
}

// run executes fn in a transaction on poolID and announces the result
// after commit.
func (e *Engine) run(ctx context.Context, kind string, poolID uint64, fn func(ctx context.Context, tx store.Tx) (*Receipt, error)) (*Receipt, error) {
	start := time.Now()
	var rcpt *Receipt
	err := e.store.RunInTx(ctx, poolID, func(ctx context.Context, tx store.Tx) error {
		r, err := fn(ctx, tx)
		rcpt = r
		return err
	})
	metrics.ObserveOperation(kind, start, err)
	if err != nil {
		return nil, err
	}

	a := rcpt.Activity
	metrics.ObservePool(a.PoolID, a.TotalShares, a.LockedShares, a.VaultAmount)
	slog.Info(ops[kind].msg,
		"pool_id", a.PoolID,
		"account", a.Account,
		"amount", a.Amount,
		"shares", a.Shares,
		"total_shares", a.TotalShares,
		"locked_shares", a.LockedShares,
		"vault_amount", a.VaultAmount,
	)
	e.pub.Publish(ctx, events.Event{
		Type:         ops[kind].event,
		PoolID:       a.PoolID,
		Account:      a.Account,
		Amount:       a.Amount,
		Shares:       a.Shares,
		TotalShares:  a.TotalShares,
		LockedShares: a.LockedShares,
		VaultAmount:  a.VaultAmount,
		Timestamp:    a.Timestamp,
	})
	return rcpt, nil
}

// record stages the activity entry for an operation. pool must already
// carry the post-operation counters.
func (e *Engine) record(ctx context.Context, tx store.Tx, kind, account string, amount, shares uint64, pool *model.PoolConfig, vault uint64) (*Receipt, error) {
	a := &model.Activity{
		ID:           uuid.NewString(),
		PoolID:       pool.PoolID,
		Kind:         kind,
		Account:      account,
		Amount:       amount,
		Shares:       shares,
		TotalShares:  pool.TotalShares,
		LockedShares: pool.LockedShares,
		VaultAmount:  vault,
		Timestamp:    e.clock.Now().UTC(),
	}
	if err := tx.InsertActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("record activity: %w", err)
	}
	return &Receipt{Activity: *a, Pool: *pool, VaultAmount: vault}, nil
}

func (e *Engine) loadPool(ctx context.Context, r store.Reader, poolID uint64) (*model.PoolConfig, error) {
	pool, err := r.GetPool(ctx, poolID)
	if err != nil {
		return nil, storeErr(err, fmt.Sprintf("pool %d", poolID))
	}
	return pool, nil
}

func (e *Engine) vaultBalance(ctx context.Context, pool *model.PoolConfig) (uint64, error) {
	v, err := e.ledger.Balance(ctx, pool.Vault, pool.Asset)
	if err != nil {
		return 0, transferErr(err)
	}
	return v, nil
}

// fromVault builds a payout transfer under the pool's delegated authority.
func (e *Engine) fromVault(pool *model.PoolConfig, to string, amount uint64) custody.Transfer {
	return custody.Transfer{
		From:      pool.Vault,
		To:        to,
		Asset:     pool.Asset,
		Amount:    amount,
		Authority: e.keyring.Delegate(pool.Vault),
	}
}

// toVault builds a deposit transfer authorized by the depositor.
func toVault(pool *model.PoolConfig, from string, amount uint64) custody.Transfer {
	return custody.Transfer{
		From:      from,
		To:        pool.Vault,
		Asset:     pool.Asset,
		Amount:    amount,
		Authority: custody.Signed(from),
	}
}

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
