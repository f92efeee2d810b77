// Package store defines the record storage for the cover engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside RunInTx, which holds an exclusive lock on
// one pool for the duration of the callback and commits all of its writes
// or none of them.
package store

import (
	"context"
	"errors"

	"github.com/atmx/cover-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicate is returned when creating a record whose key is taken.
	ErrDuplicate = errors.New("store: record already exists")
)

// Reader is the point-lookup surface shared by Store and Tx.
type Reader interface {
	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, poolID uint64) (*model.PoolConfig, error)

	// GetStake retrieves an underwriter's stake in a pool.
	GetStake(ctx context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error)

	// GetPolicy retrieves a buyer's live policy in a pool.
	GetPolicy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error)
}

// Tx is the write surface available inside RunInTx.
type Tx interface {
	Reader

	// CreatePool persists a new pool. ErrDuplicate if the ID is taken.
	CreatePool(ctx context.Context, pool *model.PoolConfig) error

	// UpdatePoolShares sets a pool's share counters.
	UpdatePoolShares(ctx context.Context, poolID uint64, totalShares, lockedShares uint64) error

	// PutStake creates or replaces an underwriter's stake.
	PutStake(ctx context.Context, stake *model.UnderwriterStake) error

	// CreatePolicy persists a new policy. ErrDuplicate if the buyer
	// already holds one in the pool.
	CreatePolicy(ctx context.Context, policy *model.Policy) error

	// DeletePolicy closes a policy.
	DeletePolicy(ctx context.Context, poolID uint64, buyer string) error

	// InsertActivity appends an immutable activity record.
	InsertActivity(ctx context.Context, a *model.Activity) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// RunInTx runs fn with exclusive access to poolID's records. Writes
	// made through tx are committed if fn returns nil and discarded
	// otherwise. The ctx passed to fn must be used for every call made
	// on behalf of the transaction.
	RunInTx(ctx context.Context, poolID uint64, fn func(ctx context.Context, tx Tx) error) error

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.PoolConfig, error)

	// ListStakes returns every stake in a pool.
	ListStakes(ctx context.Context, poolID uint64) ([]model.UnderwriterStake, error)

	// ListPolicies returns every live policy in a pool.
	ListPolicies(ctx context.Context, poolID uint64) ([]model.Policy, error)

	// ListActivity returns a pool's activity, oldest first.
	ListActivity(ctx context.Context, poolID uint64) ([]model.Activity, error)
}
