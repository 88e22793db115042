// Package wallet reconciles a vault against the set of chains it must hold a
// receive address for, creating assets and addresses only where missing.
package wallet

import "github.com/wallet-provisioner/internal/types"

// Resolution is the outcome of matching a chain against the vault snapshot.
// Entry is nil when none of the candidate ids is held by the vault, in which
// case AssetID is the canonical id to create.
type Resolution struct {
	AssetID string
	Entry   *types.VaultAssetSnapshot
}

// Found reports whether the vault already holds the asset
func (r Resolution) Found() bool {
	return r.Entry != nil
}

// Resolve returns the first candidate id present in the snapshot, in priority
// order. Absence is not an error.
func Resolve(target types.TargetChainSpec, snapshot []types.VaultAssetSnapshot) Resolution {
	for _, candidate := range target.CandidateAssetIDs {
		for i := range snapshot {
			if snapshot[i].AssetID == candidate {
				entry := snapshot[i]
				return Resolution{AssetID: candidate, Entry: &entry}
			}
		}
	}
	return Resolution{AssetID: target.DefaultAssetID()}
}
