// Package custody moves the pooled asset between holding accounts.
//
// Two kinds of account exist: participant accounts, which only the
// participant may debit, and vault accounts (prefixed "vault:"), which only
// the holder of a delegated authority minted by the Keyring may debit.
// The engine holds that authority; external callers never see it.
package custody

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"strings"
)

var (
	// ErrInsufficientFunds is returned when the source balance is below
	// the transfer amount.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")

	// ErrUnauthorized is returned when the authority presented does not
	// control the source account.
	ErrUnauthorized = errors.New("custody: unauthorized")

	// ErrUnknownAccount is returned for transfers touching a vault that
	// was never opened.
	ErrUnknownAccount = errors.New("custody: unknown account")

	// ErrAccountExists is returned when opening a vault twice.
	ErrAccountExists = errors.New("custody: account already exists")
)

const vaultPrefix = "vault:"

// IsVault reports whether account is a pool vault.
func IsVault(account string) bool {
	return strings.HasPrefix(account, vaultPrefix)
}

// Authority is the proof presented with a transfer that the caller
// controls the source account.
type Authority struct {
	Account string
	proof   []byte
}

// Signed is the authority of a participant acting for itself. It carries
// no proof, so it is only as strong as the authentication in front of the
// engine that decided the caller is account. It never moves funds out of a
// vault.
func Signed(account string) Authority {
	return Authority{Account: account}
}

// Keyring mints and verifies delegated authorities over vault accounts.
type Keyring struct {
	secret []byte
}

// NewKeyring creates a keyring from secret.
func NewKeyring(secret []byte) *Keyring {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Keyring{secret: s}
}

// Delegate returns the authority over vault.
func (k *Keyring) Delegate(vault string) Authority {
	return Authority{Account: vault, proof: k.sign(vault)}
}

// Verify reports whether a carries a valid proof for its account.
func (k *Keyring) Verify(a Authority) bool {
	if len(a.proof) == 0 {
		return false
	}
	return hmac.Equal(a.proof, k.sign(a.Account))
}

func (k *Keyring) sign(account string) []byte {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(account))
	return mac.Sum(nil)
}

// Authorize checks that auth may debit from.
func (k *Keyring) Authorize(from string, auth Authority) error {
	if auth.Account != from {
		return ErrUnauthorized
	}
	if IsVault(from) && !k.Verify(auth) {
		return ErrUnauthorized
	}
	return nil
}

// Transfer moves Amount units of Asset from From to To.
type Transfer struct {
	From      string
	To        string
	Asset     string
	Amount    uint64
	Authority Authority
}

// Ledger is the asset-moving collaborator the engine depends on.
type Ledger interface {
	// Open creates an empty vault account for asset.
	Open(ctx context.Context, vault, asset string) error

	// Transfer atomically debits From and credits To.
	Transfer(ctx context.Context, t Transfer) error

	// Balance returns the units of asset held by account.
	Balance(ctx context.Context, account, asset string) (uint64, error)
}
