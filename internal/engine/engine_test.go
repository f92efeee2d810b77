package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/cover-engine/internal/custody"
	"github.com/atmx/cover-engine/internal/engine"
	"github.com/atmx/cover-engine/internal/events"
	"github.com/atmx/cover-engine/internal/store"
)

const asset = "USDC"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, evt events.Event) {
	r.mu.Lock()
	r.got = append(r.got, evt)
	r.mu.Unlock()
}

type testEnv struct {
	eng    *engine.Engine
	store  *store.MemoryStore
	ledger *custody.MemoryLedger
	clock  *fakeClock
	events *recorder
}

func newTestEnv(t *testing.T, opts ...engine.Option) *testEnv {
	t.Helper()
	keyring := custody.NewKeyring([]byte("test-secret"))
	env := &testEnv{
		store:  store.NewMemoryStore(),
		ledger: custody.NewMemoryLedger(keyring),
		clock:  &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	opts = append([]engine.Option{engine.WithClock(env.clock), engine.WithPublisher(env.events)}, opts...)
	env.eng = engine.New(env.store, env.ledger, keyring, opts...)
	return env
}

func (env *testEnv) initPool(t *testing.T, poolID uint64, rate, thresholdMax uint16) {
	t.Helper()
	_, err := env.eng.InitializePool(context.Background(), engine.InitializePoolParams{
		PoolID: poolID, Asset: asset, PremiumRate: rate, ThresholdMax: thresholdMax,
	})
	if err != nil {
		t.Fatalf("failed to initialize pool: %v", err)
	}
}

func (env *testEnv) fund(t *testing.T, account string, amount uint64) {
	t.Helper()
	if err := env.ledger.Credit(context.Background(), account, asset, amount); err != nil {
		t.Fatalf("failed to fund %s: %v", account, err)
	}
}

func (env *testEnv) balance(t *testing.T, account string) uint64 {
	t.Helper()
	b, err := env.ledger.Balance(context.Background(), account, asset)
	if err != nil {
		t.Fatalf("balance of %s: %v", account, err)
	}
	return b
}

func (env *testEnv) vault(t *testing.T, poolID uint64) uint64 {
	t.Helper()
	p, err := env.store.GetPool(context.Background(), poolID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	return env.balance(t, p.Vault)
}

// --- Concrete scenario ---

func TestScenario_StakeBuyWithdrawClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 50_000)

	r, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if r.Activity.Shares != 1_000_000 || r.Pool.TotalShares != 1_000_000 {
		t.Errorf("expected 1,000,000 shares, got minted=%d total=%d", r.Activity.Shares, r.Pool.TotalShares)
	}
	if v := env.vault(t, 1); v != 1_000_000 {
		t.Errorf("expected vault 1,000,000, got %d", v)
	}

	r, err = env.eng.BuyProtection(ctx, engine.BuyParams{
		PoolID: 1, Buyer: "bob", Threshold: 5000, CoverageAmount: 200_000, Duration: 2_592_000,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if r.Activity.Amount != 10_000 {
		t.Errorf("expected premium 10,000, got %d", r.Activity.Amount)
	}
	if r.Policy.LockedShares != 10_000 || r.Pool.LockedShares != 10_000 {
		t.Errorf("expected 10,000 locked, got policy=%d pool=%d", r.Policy.LockedShares, r.Pool.LockedShares)
	}
	if v := env.vault(t, 1); v != 1_010_000 {
		t.Errorf("expected vault 1,010,000, got %d", v)
	}
	if r.Policy.ExpiryTime-r.Policy.StartTime != 2_592_000 {
		t.Errorf("expected 30 day term, got %d", r.Policy.ExpiryTime-r.Policy.StartTime)
	}

	_, err = env.eng.WithdrawCollateral(ctx, engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	if !errors.Is(err, engine.ErrInsufficientUnlockedShares) {
		t.Fatalf("expected ErrInsufficientUnlockedShares, got %v", err)
	}

	r, err = env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 9000})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r.Pool.LockedShares != 0 {
		t.Errorf("expected locked 0 after claim, got %d", r.Pool.LockedShares)
	}
	if v := env.vault(t, 1); v != 810_000 {
		t.Errorf("expected vault 810,000, got %d", v)
	}
	if b := env.balance(t, "bob"); b != 50_000-10_000+200_000 {
		t.Errorf("expected bob to hold 240,000, got %d", b)
	}
	if _, err := env.eng.Policy(ctx, 1, "bob"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected policy closed, got %v", err)
	}

	acts, _ := env.eng.Activity(ctx, 1)
	if len(acts) != 4 {
		t.Errorf("expected 4 activity entries, got %d", len(acts))
	}
	wantEvents := []string{
		events.TypePoolInitialized, events.TypeCollateralStaked,
		events.TypeProtectionBought, events.TypeProtectionClaimed,
	}
	if len(env.events.got) != len(wantEvents) {
		t.Fatalf("expected %d events, got %d", len(wantEvents), len(env.events.got))
	}
	for i, w := range wantEvents {
		if env.events.got[i].Type != w {
			t.Errorf("event %d: expected %s, got %s", i, w, env.events.got[i].Type)
		}
	}
}

// --- initialize_pool ---

func TestInitializePool_InvalidParams(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.InitializePoolParams{
		{PoolID: 1, Asset: asset, PremiumRate: 10_001},
		{PoolID: 1, Asset: asset, ThresholdMax: 10_001},
		{PoolID: 1, Asset: ""},
	}
	for _, p := range cases {
		if _, err := env.eng.InitializePool(context.Background(), p); !errors.Is(err, engine.ErrInvalidParameter) {
			t.Errorf("%+v: expected ErrInvalidParameter, got %v", p, err)
		}
	}
}

func TestInitializePool_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.initPool(t, 7, 100, 100)
	_, err := env.eng.InitializePool(context.Background(), engine.InitializePoolParams{PoolID: 7, Asset: asset})
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInitializePool_EmptyVault(t *testing.T) {
	env := newTestEnv(t)
	env.initPool(t, 1, 10_000, 10_000)

	s, err := env.eng.Pool(context.Background(), 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if s.TotalShares != 0 || s.LockedShares != 0 || s.VaultAmount != 0 {
		t.Errorf("expected empty pool, got %+v", s)
	}
	if !s.SharePrice.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected bootstrap share price 1, got %s", s.SharePrice)
	}
}

// --- stake_collateral ---

func TestStake_BootstrapThenProportional(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000)
	env.fund(t, "carol", 1_000)
	env.fund(t, "bob", 1_000)

	r, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000})
	if err != nil || r.Activity.Shares != 1_000 {
		t.Fatalf("expected 1,000 bootstrap shares, got %+v (%v)", r, err)
	}

	// Premium raises the vault without minting: 1 share is now worth 1.5.
	if _, err := env.eng.BuyProtection(ctx, engine.BuyParams{
		PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 1_000, Duration: 2_592_000 * 10,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if v := env.vault(t, 1); v != 1_500 {
		t.Fatalf("expected vault 1,500, got %d", v)
	}

	r, err = env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "carol", Amount: 1_000})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	// floor(1000 * 1000 / 1500)
	if r.Activity.Shares != 666 {
		t.Errorf("expected 666 shares, got %d", r.Activity.Shares)
	}

	sum, err := env.eng.Stake(ctx, 1, "carol")
	if err != nil {
		t.Fatalf("stake summary: %v", err)
	}
	if sum.Value > 1_000 {
		t.Errorf("depositor must not be able to redeem more than deposited, got %d", sum.Value)
	}
}

func TestStake_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)

	if _, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice"}); !errors.Is(err, engine.ErrInvalidParameter) {
		t.Errorf("zero amount: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 99, Underwriter: "alice", Amount: 1}); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("unknown pool: expected ErrNotFound, got %v", err)
	}

	_, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 100})
	if !errors.Is(err, engine.ErrTransferFailed) || !errors.Is(err, custody.ErrInsufficientFunds) {
		t.Errorf("unfunded: expected ErrTransferFailed wrapping ErrInsufficientFunds, got %v", err)
	}
	p, _ := env.store.GetPool(ctx, 1)
	if p.TotalShares != 0 {
		t.Errorf("failed stake minted shares: %d", p.TotalShares)
	}
	if _, err := env.store.GetStake(ctx, 1, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed stake created a record: %v", err)
	}
}

func TestStake_DustRoundsToZero(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 10_000, 10_000)
	env.fund(t, "alice", 1)
	env.fund(t, "bob", 10_000)
	env.fund(t, "carol", 1)

	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1})
	// Donate to the vault so one share is worth far more than one unit.
	p, _ := env.store.GetPool(ctx, 1)
	env.ledger.Transfer(ctx, custody.Transfer{
		From: "bob", To: p.Vault, Asset: asset, Amount: 10_000, Authority: custody.Signed("bob"),
	})

	_, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "carol", Amount: 1})
	if !errors.Is(err, engine.ErrSharesZero) {
		t.Errorf("expected ErrSharesZero, got %v", err)
	}
	if b := env.balance(t, "carol"); b != 1 {
		t.Errorf("rejected stake moved funds: carol holds %d", b)
	}
}

func TestStake_ConcurrentDeposits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		acct := string(rune('a' + i))
		env.fund(t, acct, 1_000)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: acct, Amount: 1_000}); err != nil {
				t.Errorf("stake %s: %v", acct, err)
			}
		}()
	}
	wg.Wait()

	p, _ := env.store.GetPool(ctx, 1)
	if p.TotalShares != 20_000 {
		t.Errorf("expected 20,000 shares, got %d", p.TotalShares)
	}
	if v := env.vault(t, 1); v != 20_000 {
		t.Errorf("expected vault 20,000, got %d", v)
	}
}

// --- withdraw_collateral ---

func TestWithdraw_Full(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 5_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 5_000})

	r, err := env.eng.WithdrawCollateral(ctx, engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 5_000})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if r.Pool.TotalShares != 0 || r.Stake.Shares != 0 {
		t.Errorf("expected all shares burned, got total=%d stake=%d", r.Pool.TotalShares, r.Stake.Shares)
	}
	if v := env.vault(t, 1); v != 0 {
		t.Errorf("expected empty vault, got %d", v)
	}
	if b := env.balance(t, "alice"); b != 5_000 {
		t.Errorf("expected alice refunded 5,000, got %d", b)
	}

	// Record survives at zero shares; a further withdrawal has nothing to burn.
	_, err = env.eng.WithdrawCollateral(ctx, engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 1})
	if !errors.Is(err, engine.ErrSharesZero) {
		t.Errorf("expected ErrSharesZero, got %v", err)
	}
}

func TestWithdraw_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000})

	tests := []struct {
		name string
		p    engine.WithdrawParams
		want error
	}{
		{"zero amount", engine.WithdrawParams{PoolID: 1, Underwriter: "alice"}, engine.ErrInvalidParameter},
		{"no stake", engine.WithdrawParams{PoolID: 1, Underwriter: "mallory", Amount: 1}, engine.ErrNotFound},
		{"no pool", engine.WithdrawParams{PoolID: 2, Underwriter: "alice", Amount: 1}, engine.ErrNotFound},
		{"more than staked", engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 1_001}, engine.ErrInsufficientUnlockedShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.eng.WithdrawCollateral(ctx, tt.p); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestWithdraw_FullyLockedStake(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 10_000, 10_000)
	env.fund(t, "alice", 100)
	env.fund(t, "bob", 100)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 100})

	// Full-rate 30 day premium on coverage 100 locks every share.
	if _, err := env.eng.BuyProtection(ctx, engine.BuyParams{
		PoolID: 1, Buyer: "bob", Threshold: 0, CoverageAmount: 100, Duration: 2_592_000,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := env.eng.WithdrawCollateral(ctx, engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 1})
	if !errors.Is(err, engine.ErrSharesZero) {
		t.Errorf("expected ErrSharesZero, got %v", err)
	}
}

func TestWithdraw_ForeignKeyringCannotMoveVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000})

	rogue := engine.New(env.store, env.ledger, custody.NewKeyring([]byte("other")), engine.WithClock(env.clock))
	_, err := rogue.WithdrawCollateral(ctx, engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 1_000})
	if !errors.Is(err, custody.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	p, _ := env.store.GetPool(ctx, 1)
	if p.TotalShares != 1_000 {
		t.Errorf("rejected withdrawal burned shares: %d", p.TotalShares)
	}
}

// --- buy_protection ---

func TestBuy_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 1_000_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})

	tests := []struct {
		name string
		p    engine.BuyParams
		want error
	}{
		{"threshold above max", engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 8001, CoverageAmount: 1_000, Duration: 60}, engine.ErrInvalidParameter},
		{"zero coverage", engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, Duration: 60}, engine.ErrInvalidParameter},
		{"zero duration", engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 1_000}, engine.ErrInvalidParameter},
		{"negative duration", engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 1_000, Duration: -5}, engine.ErrInvalidParameter},
		{"premium rounds to zero", engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 10, Duration: 60}, engine.ErrSharesZero},
		{"pool over-committed", engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 1_000_000, Duration: 2_592_000 * 21}, engine.ErrInsufficientCollateral},
		{"unknown pool", engine.BuyParams{PoolID: 2, Buyer: "bob", Threshold: 1, CoverageAmount: 1_000, Duration: 60}, engine.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.eng.BuyProtection(ctx, tt.p); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if b := env.balance(t, "bob"); b != 1_000_000 {
		t.Errorf("rejected purchases charged bob: %d", b)
	}
}

func TestBuy_EmptyPool(t *testing.T) {
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "bob", 1_000)

	_, err := env.eng.BuyProtection(context.Background(), engine.BuyParams{
		PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 1_000, Duration: 2_592_000,
	})
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestBuy_DuplicatePolicy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 100_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})

	buy := engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 10, CoverageAmount: 100_000, Duration: 2_592_000}
	first, err := env.eng.BuyProtection(ctx, buy)
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	buy.CoverageAmount = 200_000
	if _, err := env.eng.BuyProtection(ctx, buy); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	pol, _ := env.eng.Policy(ctx, 1, "bob")
	if pol.PolicyID != first.Policy.PolicyID || pol.CoverageAmount != 100_000 {
		t.Errorf("duplicate buy overwrote the policy: %+v", pol)
	}
	if b := env.balance(t, "bob"); b != 95_000 {
		t.Errorf("expected one premium charged, bob holds %d", b)
	}
}

func TestBuy_TransferFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	before, _ := env.store.ListActivity(ctx, 1)

	_, err := env.eng.BuyProtection(ctx, engine.BuyParams{
		PoolID: 1, Buyer: "pauper", Threshold: 1, CoverageAmount: 100_000, Duration: 2_592_000,
	})
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	p, _ := env.store.GetPool(ctx, 1)
	if p.LockedShares != 0 {
		t.Errorf("failed buy locked shares: %d", p.LockedShares)
	}
	if _, err := env.store.GetPolicy(ctx, 1, "pauper"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed buy created a policy: %v", err)
	}
	after, _ := env.store.ListActivity(ctx, 1)
	if len(after) != len(before) {
		t.Errorf("failed buy recorded activity")
	}
}

// --- claim_protection ---

func TestClaim_ThresholdMaxRule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 10_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	env.eng.BuyProtection(ctx, engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 5000, CoverageAmount: 100_000, Duration: 2_592_000})

	for _, th := range []uint16{0, 5000, 8000} {
		if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: th}); !errors.Is(err, engine.ErrInvalidParameter) {
			t.Errorf("threshold %d: expected ErrInvalidParameter, got %v", th, err)
		}
	}
	if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 8001}); err != nil {
		t.Errorf("threshold 8001 should trigger: %v", err)
	}
	if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 8001}); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("second claim: expected ErrNotFound, got %v", err)
	}
}

func TestClaim_PolicyThresholdRule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, engine.WithClaimRule(engine.ClaimRulePolicyThreshold))
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 10_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	env.eng.BuyProtection(ctx, engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 5000, CoverageAmount: 100_000, Duration: 2_592_000})

	if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 4999}); !errors.Is(err, engine.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter below policy threshold, got %v", err)
	}
	if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 5000}); err != nil {
		t.Errorf("policy threshold should trigger: %v", err)
	}
}

func TestClaim_VaultShortfallRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 10_000, 8000)
	env.fund(t, "alice", 1_000)
	env.fund(t, "bob", 1_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000})
	// Premium 50 on coverage 5,000 for 1% of a period; payout exceeds the vault.
	if _, err := env.eng.BuyProtection(ctx, engine.BuyParams{
		PoolID: 1, Buyer: "bob", Threshold: 0, CoverageAmount: 5_000, Duration: 25_920,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 9000})
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := env.store.GetPolicy(ctx, 1, "bob"); err != nil {
		t.Errorf("policy should survive a failed claim: %v", err)
	}
	p, _ := env.store.GetPool(ctx, 1)
	if p.LockedShares == 0 {
		t.Errorf("failed claim released locked shares")
	}
}

func TestClaim_RefusesToDrainVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 10_000, 8000)
	env.fund(t, "alice", 1_100)
	env.fund(t, "bob", 100)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000})
	// Premium 10 brings the vault to exactly the coverage.
	if _, err := env.eng.BuyProtection(ctx, engine.BuyParams{
		PoolID: 1, Buyer: "bob", Threshold: 0, CoverageAmount: 1_010, Duration: 25_920,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if v := env.vault(t, 1); v != 1_010 {
		t.Fatalf("expected vault 1010, got %d", v)
	}

	_, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 9000})
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if v := env.vault(t, 1); v != 1_010 {
		t.Errorf("refused claim moved funds, vault=%d", v)
	}
	if _, err := env.store.GetPolicy(ctx, 1, "bob"); err != nil {
		t.Errorf("policy should survive a refused claim: %v", err)
	}
	checkInvariants(t, env, 1)

	// The pool stays usable, and fresh collateral lets the claim settle.
	if _, err := env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 100}); err != nil {
		t.Fatalf("stake after refused claim: %v", err)
	}
	if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 9000}); err != nil {
		t.Fatalf("claim after top-up: %v", err)
	}
	if v := env.vault(t, 1); v != 100 {
		t.Errorf("expected vault 100 after payout, got %d", v)
	}
	if b := env.balance(t, "bob"); b != 1_100 {
		t.Errorf("expected bob=1100, got %d", b)
	}
	checkInvariants(t, env, 1)
	if _, err := env.eng.WithdrawCollateral(ctx, engine.WithdrawParams{PoolID: 1, Underwriter: "alice", Amount: 50}); err != nil {
		t.Errorf("withdraw after payout: %v", err)
	}
}

func TestClaim_ExpiredPolicyStillClaimable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 10_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	env.eng.BuyProtection(ctx, engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 100_000, Duration: 3_600})

	env.clock.Advance(48 * time.Hour)
	if _, err := env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: "bob", Threshold: 9000}); err != nil {
		t.Errorf("expired policy should remain claimable: %v", err)
	}
}

// --- release_expired ---

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 10_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	env.eng.BuyProtection(ctx, engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 1, CoverageAmount: 100_000, Duration: 2_592_000})

	if _, err := env.eng.ReleaseExpired(ctx, 1, "bob"); !errors.Is(err, engine.ErrPolicyActive) {
		t.Fatalf("expected ErrPolicyActive, got %v", err)
	}

	env.clock.Advance(30 * 24 * time.Hour)
	r, err := env.eng.ReleaseExpired(ctx, 1, "bob")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if r.Pool.LockedShares != 0 || r.Activity.Shares != 5_000 {
		t.Errorf("expected 5,000 shares released, got %+v", r.Activity)
	}
	if v := env.vault(t, 1); v != 1_005_000 {
		t.Errorf("release must not move funds, vault=%d", v)
	}
	if b := env.balance(t, "bob"); b != 5_000 {
		t.Errorf("release must not pay out, bob holds %d", b)
	}
	if _, err := env.eng.ReleaseExpired(ctx, 1, "bob"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, id := range []uint64{1, 2} {
		env.initPool(t, id, 500, 8000)
	}
	env.fund(t, "alice", 2_000_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 2, Underwriter: "alice", Amount: 1_000_000})

	buys := []engine.BuyParams{
		{PoolID: 1, Buyer: "short", Threshold: 1, CoverageAmount: 100_000, Duration: 3_600},
		{PoolID: 1, Buyer: "long", Threshold: 1, CoverageAmount: 100_000, Duration: 2_592_000},
		{PoolID: 2, Buyer: "short", Threshold: 1, CoverageAmount: 100_000, Duration: 7_200},
	}
	for _, b := range buys {
		env.fund(t, b.Buyer, 10_000)
		if _, err := env.eng.BuyProtection(ctx, b); err != nil {
			t.Fatalf("buy %+v: %v", b, err)
		}
	}

	env.clock.Advance(3 * time.Hour)
	n, err := env.eng.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 policies released, got %d", n)
	}
	if _, err := env.eng.Policy(ctx, 1, "long"); err != nil {
		t.Errorf("live policy was swept: %v", err)
	}
	for _, id := range []uint64{1, 2} {
		checkInvariants(t, env, id)
	}
}

// --- queries ---

func TestStakeSummary_LockedSplit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)
	env.fund(t, "alice", 1_000_000)
	env.fund(t, "bob", 10_000)
	env.eng.StakeCollateral(ctx, engine.StakeParams{PoolID: 1, Underwriter: "alice", Amount: 1_000_000})
	env.eng.BuyProtection(ctx, engine.BuyParams{PoolID: 1, Buyer: "bob", Threshold: 5000, CoverageAmount: 200_000, Duration: 2_592_000})

	s, err := env.eng.Stake(ctx, 1, "alice")
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if s.LockedShares != 10_000 || s.UnlockedShares != 990_000 || s.Value != 1_010_000 {
		t.Errorf("unexpected summary %+v", s)
	}

	p, err := env.eng.Pool(ctx, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !p.SharePrice.Equal(decimal.RequireFromString("1.01")) {
		t.Errorf("expected share price 1.01, got %s", p.SharePrice)
	}
	if !p.Utilization.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected 1%% utilization, got %s", p.Utilization)
	}
}

// --- invariants ---

func checkInvariants(t *testing.T, env *testEnv, poolID uint64) {
	t.Helper()
	ctx := context.Background()
	pool, err := env.store.GetPool(ctx, poolID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	stakes, _ := env.store.ListStakes(ctx, poolID)
	policies, _ := env.store.ListPolicies(ctx, poolID)

	var shares, locked uint64
	for _, s := range stakes {
		shares += s.Shares
	}
	for _, p := range policies {
		locked += p.LockedShares
	}
	if shares != pool.TotalShares {
		t.Fatalf("share conservation: stakes sum %d, pool total %d", shares, pool.TotalShares)
	}
	if locked != pool.LockedShares {
		t.Fatalf("lock conservation: policies sum %d, pool locked %d", locked, pool.LockedShares)
	}
	if pool.LockedShares > pool.TotalShares {
		t.Fatalf("solvency: locked %d > total %d", pool.LockedShares, pool.TotalShares)
	}
	v := env.balance(t, pool.Vault)
	if pool.TotalShares == 0 && v != 0 {
		t.Fatalf("no shares outstanding but vault holds %d", v)
	}
	if pool.TotalShares > 0 && v == 0 {
		t.Fatalf("%d shares outstanding against an empty vault", pool.TotalShares)
	}
}

var expectedErrs = []error{
	engine.ErrInvalidParameter, engine.ErrAlreadyExists, engine.ErrNotFound,
	engine.ErrSharesZero, engine.ErrInsufficientUnlockedShares, engine.ErrInsufficientCollateral,
	engine.ErrTransferFailed, engine.ErrPolicyActive,
}

func expected(err error) bool {
	for _, e := range expectedErrs {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func TestInvariants_RandomInterleavings(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.initPool(t, 1, 500, 8000)

	underwriters := []string{"u1", "u2", "u3"}
	buyers := []string{"b1", "b2", "b3", "b4"}
	for _, a := range underwriters {
		env.fund(t, a, 5_000_000)
	}
	for _, a := range buyers {
		env.fund(t, a, 1_000_000)
	}

	rng := rand.New(rand.NewSource(42))
	pick := func(s []string) string { return s[rng.Intn(len(s))] }

	for i := 0; i < 3000; i++ {
		var err error
		switch rng.Intn(5) {
		case 0:
			_, err = env.eng.StakeCollateral(ctx, engine.StakeParams{
				PoolID: 1, Underwriter: pick(underwriters), Amount: uint64(rng.Int63n(300_000) + 1),
			})
		case 1:
			u := pick(underwriters)
			pool, _ := env.store.GetPool(ctx, 1)
			st, serr := env.store.GetStake(ctx, 1, u)
			var r *engine.Receipt
			r, err = env.eng.WithdrawCollateral(ctx, engine.WithdrawParams{
				PoolID: 1, Underwriter: u, Amount: uint64(rng.Int63n(400_000) + 1),
			})
			if err == nil && serr == nil {
				floor := pool.LockedShares * st.Shares / pool.TotalShares
				if r.Activity.Shares > st.Shares-floor {
					t.Fatalf("op %d: withdrawal burned %d shares, only %d unlocked", i, r.Activity.Shares, st.Shares-floor)
				}
			}
		case 2:
			_, err = env.eng.BuyProtection(ctx, engine.BuyParams{
				PoolID: 1, Buyer: pick(buyers), Threshold: uint16(rng.Intn(8001)),
				CoverageAmount: uint64(rng.Int63n(200_000) + 1), Duration: rng.Int63n(5_184_000) + 1,
			})
		case 3:
			_, err = env.eng.ClaimProtection(ctx, engine.ClaimParams{PoolID: 1, Buyer: pick(buyers), Threshold: 9000})
		case 4:
			env.clock.Advance(time.Duration(rng.Int63n(10*24*3600)) * time.Second)
			_, err = env.eng.ReleaseExpired(ctx, 1, pick(buyers))
		}
		if err != nil && !expected(err) {
			t.Fatalf("op %d: unexpected error %v", i, err)
		}
		checkInvariants(t, env, 1)
	}
}
