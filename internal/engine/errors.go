package engine

import (
	"errors"
	"fmt"

	"github.com/atmx/cover-engine/internal/sharemath"
	"github.com/atmx/cover-engine/internal/store"
)

var (
	// ErrInvalidParameter covers rates or thresholds out of bounds, zero
	// amounts where a positive one is required, and failed claim triggers.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAlreadyExists is returned for a reused pool ID or a second live
	// policy for the same buyer.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when the pool, stake or policy is absent.
	ErrNotFound = errors.New("not found")

	// ErrSharesZero is returned when a computed share delta rounds to zero.
	ErrSharesZero = errors.New("share amount rounds to zero")

	// ErrInsufficientUnlockedShares is returned when a withdrawal would
	// touch shares backing a live policy.
	ErrInsufficientUnlockedShares = errors.New("insufficient unlocked shares")

	// ErrInsufficientCollateral is returned when a purchase would lock
	// more shares than the pool has outstanding, or when a claim payout
	// would drain the vault while shares remain.
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrOverflow is returned when a checked arithmetic step leaves the
	// representable range.
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrTransferFailed wraps any failure of the custody ledger. The
	// ledger's own error stays in the chain.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrPoolInsolvent is returned when shares are outstanding against an
	// empty vault, so no share price exists.
	ErrPoolInsolvent = errors.New("pool insolvent")

	// ErrPolicyActive is returned when releasing a policy that has not
	// expired.
	ErrPolicyActive = errors.New("policy has not expired")
)

// mathErr translates sharemath failures into engine errors.
func mathErr(err error, what string) error {
	switch {
	case errors.Is(err, sharemath.ErrOverflow):
		return fmt.Errorf("%w: %s", ErrOverflow, what)
	case errors.Is(err, sharemath.ErrZeroDenominator):
		return fmt.Errorf("%w: %s", ErrPoolInsolvent, what)
	default:
		return err
	}
}

// storeErr translates store sentinels into engine errors.
func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
	default:
		return err
	}
}

func transferErr(err error) error {
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}
