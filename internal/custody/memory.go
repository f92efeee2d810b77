package custody

import (
	"context"
	"fmt"
	"sync"
)

type balanceKey struct {
	account string
	asset   string
}

// MemoryLedger implements Ledger with in-memory balances. Used for testing
// and development.
type MemoryLedger struct {
	mu       sync.Mutex
	keyring  *Keyring
	balances map[balanceKey]uint64
	vaults   map[balanceKey]bool
}

// NewMemoryLedger creates an empty ledger that verifies vault debits
// against keyring.
func NewMemoryLedger(keyring *Keyring) *MemoryLedger {
	return &MemoryLedger{
		keyring:  keyring,
		balances: make(map[balanceKey]uint64),
		vaults:   make(map[balanceKey]bool),
	}
}

func (l *MemoryLedger) Open(_ context.Context, vault, asset string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{vault, asset}
	if l.vaults[k] {
		return fmt.Errorf("%w: %s", ErrAccountExists, vault)
	}
	l.vaults[k] = true
	l.balances[k] = 0
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, t Transfer) error {
	if err := l.keyring.Authorize(t.From, t.Authority); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := balanceKey{t.From, t.Asset}
	to := balanceKey{t.To, t.Asset}
	for _, k := range []balanceKey{from, to} {
		if IsVault(k.account) && !l.vaults[k] {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, k.account)
		}
	}

	if l.balances[from] < t.Amount {
		return fmt.Errorf("%w: %s holds %d, needs %d",
			ErrInsufficientFunds, t.From, l.balances[from], t.Amount)
	}
	if l.balances[to]+t.Amount < l.balances[to] {
		return fmt.Errorf("custody: balance overflow on %s", t.To)
	}
	l.balances[from] -= t.Amount
	l.balances[to] += t.Amount
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, account, asset string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{account, asset}
	if IsVault(account) && !l.vaults[k] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return l.balances[k], nil
}

// Credit mints amount units of asset into a participant account.
func (l *MemoryLedger) Credit(_ context.Context, account, asset string, amount uint64) error {
	if IsVault(account) {
		return fmt.Errorf("%w: cannot mint into vault %s", ErrUnauthorized, account)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{account, asset}
	if l.balances[k]+amount < l.balances[k] {
		return fmt.Errorf("custody: balance overflow on %s", account)
	}
	l.balances[k] += amount
	return nil
}
