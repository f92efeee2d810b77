// Package keys derives the deterministic, collision-free identities under
// which pool, stake and policy records and pool vaults are stored.
//
// Identities are name-based UUIDs (version 5) over a seed prefix and the
// record's natural key, so the same inputs always name the same slot.
package keys

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Namespace is the UUID namespace for all derived keys.
var Namespace = uuid.MustParse("6f2c3a8e-1d57-4c0b-9b2e-5a0d7c1e4f93")

// Pool returns the record key of a pool.
func Pool(poolID uint64) string {
	return derive("pool_config", poolID, "")
}

// Stake returns the record key of an underwriter's stake in a pool.
func Stake(poolID uint64, underwriter string) string {
	return derive("underwriter", poolID, underwriter)
}

// Policy returns the record key of a buyer's policy in a pool.
func Policy(poolID uint64, buyer string) string {
	return derive("policy", poolID, buyer)
}

// Vault returns the custody account that holds a pool's collateral.
func Vault(poolID uint64) string {
	return "vault:" + derive("vault", poolID, "")
}

func derive(seed string, poolID uint64, account string) string {
	name := make([]byte, 0, len(seed)+1+8+len(account))
	name = append(name, seed...)
	name = append(name, 0)
	name = binary.LittleEndian.AppendUint64(name, poolID)
	name = append(name, account...)
	return uuid.NewSHA1(Namespace, name).String()
}
