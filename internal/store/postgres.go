package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/cover-engine/internal/keys"
	"github.com/atmx/cover-engine/internal/model"
	"github.com/atmx/cover-engine/internal/pgxtx"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Share and asset quantities are stored as NUMERIC(20,0) so the full uint64
// range round-trips exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the record tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// RunInTx opens a transaction, takes a transaction-scoped advisory lock on
// the pool and hands fn a context carrying the transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, poolID uint64, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(poolID)); err != nil {
		return fmt.Errorf("lock pool %d: %w", poolID, err)
	}

	txCtx := pgxtx.With(ctx, tx)
	if err := fn(txCtx, &pgTx{q: queries{db: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) q(ctx context.Context) queries {
	return queries{db: pgxtx.From(ctx, s.pool)}
}

func (s *PostgresStore) GetPool(ctx context.Context, poolID uint64) (*model.PoolConfig, error) {
	return s.q(ctx).getPool(ctx, poolID)
}

func (s *PostgresStore) GetStake(ctx context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error) {
	return s.q(ctx).getStake(ctx, poolID, underwriter)
}

func (s *PostgresStore) GetPolicy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	return s.q(ctx).getPolicy(ctx, poolID, buyer)
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.PoolConfig, error) {
	rows, err := s.q(ctx).db.Query(ctx,
		`SELECT `+poolColumns+` FROM pools ORDER BY pool_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.PoolConfig
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) ListStakes(ctx context.Context, poolID uint64) ([]model.UnderwriterStake, error) {
	rows, err := s.q(ctx).db.Query(ctx,
		`SELECT pool_id::TEXT, underwriter, shares::TEXT
		 FROM underwriter_stakes WHERE pool_id = $1::NUMERIC ORDER BY underwriter`,
		u64(poolID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stakes []model.UnderwriterStake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		stakes = append(stakes, *st)
	}
	return stakes, rows.Err()
}

func (s *PostgresStore) ListPolicies(ctx context.Context, poolID uint64) ([]model.Policy, error) {
	rows, err := s.q(ctx).db.Query(ctx,
		`SELECT `+policyColumns+`
		 FROM policies WHERE pool_id = $1::NUMERIC ORDER BY buyer`,
		u64(poolID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

func (s *PostgresStore) ListActivity(ctx context.Context, poolID uint64) ([]model.Activity, error) {
	rows, err := s.q(ctx).db.Query(ctx,
		`SELECT id::TEXT, pool_id::TEXT, kind, account,
		        amount::TEXT, shares::TEXT, total_shares::TEXT,
		        locked_shares::TEXT, vault_amount::TEXT, timestamp
		 FROM pool_activity WHERE pool_id = $1::NUMERIC ORDER BY seq`,
		u64(poolID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Activity
	for rows.Next() {
		var a model.Activity
		var poolS, amountS, sharesS, totalS, lockedS, vaultS string
		if err := rows.Scan(&a.ID, &poolS, &a.Kind, &a.Account,
			&amountS, &sharesS, &totalS, &lockedS, &vaultS, &a.Timestamp); err != nil {
			return nil, err
		}
		if err := parseU64s(
			[]string{poolS, amountS, sharesS, totalS, lockedS, vaultS},
			&a.PoolID, &a.Amount, &a.Shares, &a.TotalShares, &a.LockedShares, &a.VaultAmount,
		); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// pgTx implements Tx on an open transaction.
type pgTx struct {
	q queries
}

func (tx *pgTx) GetPool(ctx context.Context, poolID uint64) (*model.PoolConfig, error) {
	return tx.q.getPool(ctx, poolID)
}

func (tx *pgTx) GetStake(ctx context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error) {
	return tx.q.getStake(ctx, poolID, underwriter)
}

func (tx *pgTx) GetPolicy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	return tx.q.getPolicy(ctx, poolID, buyer)
}

func (tx *pgTx) CreatePool(ctx context.Context, p *model.PoolConfig) error {
	tag, err := tx.q.db.Exec(ctx,
		`INSERT INTO pools (id, pool_id, asset, vault, premium_rate, threshold_max,
		                    total_shares, locked_shares, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT DO NOTHING`,
		keys.Pool(p.PoolID), u64(p.PoolID), p.Asset, p.Vault,
		int32(p.PremiumRate), int32(p.ThresholdMax),
		u64(p.TotalShares), u64(p.LockedShares), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pool %d: %w", p.PoolID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool %d", ErrDuplicate, p.PoolID)
	}
	return nil
}

func (tx *pgTx) UpdatePoolShares(ctx context.Context, poolID uint64, totalShares, lockedShares uint64) error {
	tag, err := tx.q.db.Exec(ctx,
		`UPDATE pools SET total_shares = $2::NUMERIC, locked_shares = $3::NUMERIC
		 WHERE id = $1`,
		keys.Pool(poolID), u64(totalShares), u64(lockedShares),
	)
	if err != nil {
		return fmt.Errorf("update pool %d: %w", poolID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool %d", ErrNotFound, poolID)
	}
	return nil
}

func (tx *pgTx) PutStake(ctx context.Context, st *model.UnderwriterStake) error {
	_, err := tx.q.db.Exec(ctx,
		`INSERT INTO underwriter_stakes (id, pool_id, underwriter, shares)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET shares = EXCLUDED.shares`,
		keys.Stake(st.PoolID, st.Underwriter), u64(st.PoolID), st.Underwriter, u64(st.Shares),
	)
	if err != nil {
		return fmt.Errorf("put stake %d/%s: %w", st.PoolID, st.Underwriter, err)
	}
	return nil
}

func (tx *pgTx) CreatePolicy(ctx context.Context, p *model.Policy) error {
	tag, err := tx.q.db.Exec(ctx,
		`INSERT INTO policies (id, pool_id, buyer, policy_id, threshold,
		                       coverage_amount, locked_shares, start_time, expiry_time)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT DO NOTHING`,
		keys.Policy(p.PoolID, p.Buyer), u64(p.PoolID), p.Buyer, p.PolicyID, int32(p.Threshold),
		u64(p.CoverageAmount), u64(p.LockedShares), p.StartTime, p.ExpiryTime,
	)
	if err != nil {
		return fmt.Errorf("create policy %d/%s: %w", p.PoolID, p.Buyer, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: policy %d/%s", ErrDuplicate, p.PoolID, p.Buyer)
	}
	return nil
}

func (tx *pgTx) DeletePolicy(ctx context.Context, poolID uint64, buyer string) error {
	tag, err := tx.q.db.Exec(ctx, `DELETE FROM policies WHERE id = $1`, keys.Policy(poolID, buyer))
	if err != nil {
		return fmt.Errorf("delete policy %d/%s: %w", poolID, buyer, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: policy %d/%s", ErrNotFound, poolID, buyer)
	}
	return nil
}

func (tx *pgTx) InsertActivity(ctx context.Context, a *model.Activity) error {
	_, err := tx.q.db.Exec(ctx,
		`INSERT INTO pool_activity (id, pool_id, kind, account, amount, shares,
		                            total_shares, locked_shares, vault_amount, timestamp)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		a.ID, u64(a.PoolID), a.Kind, a.Account, u64(a.Amount), u64(a.Shares),
		u64(a.TotalShares), u64(a.LockedShares), u64(a.VaultAmount), a.Timestamp,
	)
	return err
}

// queries holds the lookups shared by the store and its transactions.
type queries struct {
	db pgxtx.DBTX
}

const poolColumns = `pool_id::TEXT, asset, vault, premium_rate, threshold_max,
	total_shares::TEXT, locked_shares::TEXT, created_at`

const policyColumns = `pool_id::TEXT, buyer, policy_id, threshold,
	coverage_amount::TEXT, locked_shares::TEXT, start_time, expiry_time`

func (q queries) getPool(ctx context.Context, poolID uint64) (*model.PoolConfig, error) {
	row := q.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, keys.Pool(poolID))
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %d", ErrNotFound, poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %d: %w", poolID, err)
	}
	return p, nil
}

func (q queries) getStake(ctx context.Context, poolID uint64, underwriter string) (*model.UnderwriterStake, error) {
	row := q.db.QueryRow(ctx,
		`SELECT pool_id::TEXT, underwriter, shares::TEXT FROM underwriter_stakes WHERE id = $1`,
		keys.Stake(poolID, underwriter))
	st, err := scanStake(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: stake %d/%s", ErrNotFound, poolID, underwriter)
	}
	if err != nil {
		return nil, fmt.Errorf("get stake %d/%s: %w", poolID, underwriter, err)
	}
	return st, nil
}

func (q queries) getPolicy(ctx context.Context, poolID uint64, buyer string) (*model.Policy, error) {
	row := q.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`,
		keys.Policy(poolID, buyer))
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %d/%s", ErrNotFound, poolID, buyer)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %d/%s: %w", poolID, buyer, err)
	}
	return p, nil
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPool(row scanner) (*model.PoolConfig, error) {
	var p model.PoolConfig
	var poolS, totalS, lockedS string
	var rate, maxT int32
	if err := row.Scan(&poolS, &p.Asset, &p.Vault, &rate, &maxT,
		&totalS, &lockedS, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseU64s([]string{poolS, totalS, lockedS},
		&p.PoolID, &p.TotalShares, &p.LockedShares); err != nil {
		return nil, err
	}
	p.PremiumRate = uint16(rate)
	p.ThresholdMax = uint16(maxT)
	return &p, nil
}

func scanStake(row scanner) (*model.UnderwriterStake, error) {
	var st model.UnderwriterStake
	var poolS, sharesS string
	if err := row.Scan(&poolS, &st.Underwriter, &sharesS); err != nil {
		return nil, err
	}
	if err := parseU64s([]string{poolS, sharesS}, &st.PoolID, &st.Shares); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanPolicy(row scanner) (*model.Policy, error) {
	var p model.Policy
	var poolS, coverageS, lockedS string
	var threshold int32
	if err := row.Scan(&poolS, &p.Buyer, &p.PolicyID, &threshold,
		&coverageS, &lockedS, &p.StartTime, &p.ExpiryTime); err != nil {
		return nil, err
	}
	if err := parseU64s([]string{poolS, coverageS, lockedS},
		&p.PoolID, &p.CoverageAmount, &p.LockedShares); err != nil {
		return nil, err
	}
	p.Threshold = uint16(threshold)
	return &p, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64s(src []string, dst ...*uint64) error {
	for i, s := range src {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = v
	}
	return nil
}
