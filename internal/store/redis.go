package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/cover-engine/internal/keys"
	"github.com/atmx/cover-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions go to the primary store and invalidate the keys they
// wrote once committed; point reads check Redis first then fall back to the
// primary.
//
// Each record key has a version counter that commits bump. A reader only
// fills the cache if the version it saw before loading from the primary is
// still current, so a load that raced a commit never caches the old record.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RunInTx(ctx context.Context, poolID uint64, fn func(ctx context.Context, tx Tx) error) error {
	var touched []string
	err := s.primary.RunInTx(ctx, poolID, func(ctx context.Context, tx Tx) error {
		wrapped := &cachedTx{Tx: tx}
		if err := fn(ctx, wrapped); err != nil {
			return err
		}
		touched = wrapped.touched
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.invalidate(ctx, touched)
	}
	return nil
}

// invalidate bumps the version of each record key and drops its cached value.
func (s *CachedStore) invalidate(ctx context.Context, recordKeys []string) {
	pipe := s.rdb.TxPipeline()
	for _, k := range recordKeys {
		pipe.Incr(ctx, versionKey(k))
		pipe.Expire(ctx, versionKey(k), s.ttl)
		pipe.Del(ctx, cacheKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache invalidation failed", "keys", len(recordKeys), "err", err)
	}
}

// cachedTx records the record keys a transaction writes.
type cachedTx struct {
	Tx
	touched []string
}

func (tx *cachedTx) CreatePool(ctx context.Context, p *model.PoolConfig) error {
	tx.touched = append(tx.touched, keys.Pool(p.PoolID))
	return tx.Tx.CreatePool(ctx, p)
}

func (tx *cachedTx) UpdatePoolShares(ctx context.Context, poolID uint64, totalShares, lockedShares uint64) error {
	tx.touched = append(tx.touched, keys.Pool(poolID))
	return tx.Tx.UpdatePoolShares(ctx, poolID, totalShares, lockedShares)
}

func (tx *cachedTx) PutStake(ctx context.Context, st *model.UnderwriterStake) error {
	tx.touched = append(tx.touched, keys.Stake(st.PoolID, st.Underwriter))
	return tx.Tx.PutStake(ctx, st)
}

func (tx *cachedTx) CreatePolicy(ctx context.Context, p *model.Policy) error {
	tx.touched = append(tx.touched, keys.Policy(p.PoolID, p.Buyer))
	return tx.Tx.CreatePolicy(ctx, p)
}

func (tx *cachedTx) DeletePolicy(ctx context.Context, poolID uint64, buyer string) error {
	tx.touched = append(tx.touched, keys.Policy(poolID, buyer))
	return tx.Tx.DeletePolicy(ctx, poolID, buyer)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, poolID uint64) (*model.PoolConfig, error) {
	var p model.PoolConfig
	return readThrough(ctx, s, keys.Pool(poolID), &p, func() (*model.PoolConfig, error) {
		return s.primary.GetPool(ctx, poolID)
	})
}

func (s *CachedStore) GetStake(ctx context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error) {
	var st model.UnderwriterStake
	return readThrough(ctx, s, keys.Stake(poolID, underwriter), &st, func() (*model.UnderwriterStake, error) {
		return s.primary.GetStake(ctx, poolID, underwriter)
	})
}

func (s *CachedStore) GetPolicy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	var p model.Policy
	return readThrough(ctx, s, keys.Policy(poolID, buyer), &p, func() (*model.Policy, error) {
		return s.primary.GetPolicy(ctx, poolID, buyer)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.PoolConfig, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListStakes(ctx context.Context, poolID uint64) ([]model.UnderwriterStake, error) {
	return s.primary.ListStakes(ctx, poolID)
}

func (s *CachedStore) ListPolicies(ctx context.Context, poolID uint64) ([]model.Policy, error) {
	return s.primary.ListPolicies(ctx, poolID)
}

func (s *CachedStore) ListActivity(ctx context.Context, poolID uint64) ([]model.Activity, error) {
	return s.primary.ListActivity(ctx, poolID)
}

// --- Cache helpers ---

// setIfCurrent stores ARGV[2] under KEYS[1] for ARGV[3] milliseconds only
// while the version counter KEYS[2] still reads ARGV[1].
var setIfCurrent = redis.NewScript(`
local v = redis.call('GET', KEYS[2]) or ''
if v == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// readThrough returns the cached value under key, or loads it from the
// primary and caches it. Misses in the primary are not cached.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, dst *T, load func() (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		if json.Unmarshal(data, dst) == nil {
			return dst, nil
		}
	}

	ver, verErr := s.rdb.Get(ctx, versionKey(key)).Result()
	if errors.Is(verErr, redis.Nil) {
		ver, verErr = "", nil
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if verErr != nil {
		return v, nil
	}
	if data, err := json.Marshal(v); err == nil {
		setIfCurrent.Run(ctx, s.rdb, []string{cacheKey(key), versionKey(key)},
			ver, data, s.ttl.Milliseconds())
	}
	return v, nil
}

func cacheKey(recordKey string) string { return fmt.Sprintf("cover:%s", recordKey) }

func versionKey(recordKey string) string { return fmt.Sprintf("cover:ver:%s", recordKey) }
