// Package sharemath implements the fixed-point conversions between asset
// units and pool shares.
//
// Every product is formed in 128 bits and every quotient truncates toward
// zero, so rounding always favours the pool over the party initiating the
// operation. Results are narrowed back to 64 bits with an explicit check.
package sharemath

import (
	"errors"

	"lukechampine.com/uint128"
)

// BasisPoints is the denominator of premium rates and thresholds.
const BasisPoints = 10_000

// PremiumPeriod is the reference window (30 days, in seconds) that premium
// rates are quoted against.
const PremiumPeriod = 2_592_000

var (
	// ErrOverflow is returned when a product exceeds 128 bits or a result
	// does not fit back into 64 bits.
	ErrOverflow = errors.New("sharemath: arithmetic overflow")

	// ErrZeroDenominator is returned when a ratio is taken against an
	// empty vault or an empty share supply.
	ErrZeroDenominator = errors.New("sharemath: zero denominator")
)

// SharesForDeposit returns the shares minted for depositing amount into a
// pool holding vaultAmount units backed by totalShares shares.
// The first deposit into an empty pool mints shares 1:1.
func SharesForDeposit(amount, totalShares, vaultAmount uint64) (uint64, error) {
	if totalShares == 0 {
		return amount, nil
	}
	return mulDiv(amount, totalShares, vaultAmount)
}

// AssetForShares returns the asset units that shares are worth in a pool
// holding vaultAmount units backed by totalShares shares.
func AssetForShares(shares, totalShares, vaultAmount uint64) (uint64, error) {
	return mulDiv(shares, vaultAmount, totalShares)
}

// LockedPortion returns the part of stakeShares that backs live policies,
// pro rata to the pool's locked total.
func LockedPortion(poolLocked, stakeShares, totalShares uint64) (uint64, error) {
	return mulDiv(poolLocked, stakeShares, totalShares)
}

// Premium prices coverage at rateBps for duration seconds:
//
//	coverage * rateBps / 10000 * duration / 2592000
//
// Each division truncates before the next multiplication.
func Premium(coverage uint64, rateBps uint16, duration uint64) (uint64, error) {
	x, err := mul(uint128.From64(coverage), uint64(rateBps))
	if err != nil {
		return 0, err
	}
	x = x.Div64(BasisPoints)
	x, err = mul(x, duration)
	if err != nil {
		return 0, err
	}
	return narrow(x.Div64(PremiumPeriod))
}

// mulDiv computes floor(a*b/c).
func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrZeroDenominator
	}
	x, err := mul(uint128.From64(a), b)
	if err != nil {
		return 0, err
	}
	return narrow(x.Div64(c))
}

// mul multiplies without the panic uint128.Mul64 raises on overflow.
func mul(x uint128.Uint128, y uint64) (uint128.Uint128, error) {
	if y != 0 && x.Cmp(uint128.Max.Div64(y)) > 0 {
		return uint128.Zero, ErrOverflow
	}
	return x.Mul64(y), nil
}

func narrow(x uint128.Uint128) (uint64, error) {
	if x.Hi != 0 {
		return 0, ErrOverflow
	}
	return x.Lo, nil
}

// CheckedAdd returns a+b or ErrOverflow on wraparound.
func CheckedAdd(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrOverflow
	}
	return s, nil
}

// CheckedSub returns a-b or ErrOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// SaturatingSub returns a-b, or 0 when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
