// Package types provides common type definitions for the wallet provisioner.
package types

import "time"

// ChainID identifies a target blockchain by its canonical key
type ChainID string

const (
	// ChainBitcoin represents the Bitcoin network
	ChainBitcoin ChainID = "bitcoin"
	// ChainEthereum represents the Ethereum network
	ChainEthereum ChainID = "ethereum"
	// ChainSolana represents the Solana network
	ChainSolana ChainID = "solana"
)

// AddressSource records how a chain's address was obtained
type AddressSource string

const (
	// SourceExisting means the vault already held an address for the asset
	SourceExisting AddressSource = "EXISTING"
	// SourceCreated means the asset and its first address were created in this run
	SourceCreated AddressSource = "CREATED"
	// SourceFallbackLookup means creation was unsupported and a second lookup found an address
	SourceFallbackLookup AddressSource = "FALLBACK_LOOKUP"
)

// TerminationReason describes how a subprocess run reached its terminal state
type TerminationReason string

const (
	// TerminationExited means the process exited on its own
	TerminationExited TerminationReason = "EXITED"
	// TerminationTimedOut means the process was killed after the timeout fired
	TerminationTimedOut TerminationReason = "TIMED_OUT"
	// TerminationSpawnError means the process could not be started
	TerminationSpawnError TerminationReason = "SPAWN_ERROR"
)

// TargetChainSpec describes one supported chain and the vault asset ids that may represent it.
// CandidateAssetIDs is a priority list: the first id present in the vault wins.
type TargetChainSpec struct {
	Chain             ChainID  `json:"chain"`
	DisplayName       string   `json:"displayName"`
	CandidateAssetIDs []string `json:"candidateAssetIds"`
}

// DefaultAssetID returns the id used when none of the candidates exist in the vault
func (t TargetChainSpec) DefaultAssetID() string {
	if len(t.CandidateAssetIDs) == 0 {
		return ""
	}
	return t.CandidateAssetIDs[0]
}

// DefaultTargets returns the reference chain configuration, testnet ids first.
func DefaultTargets() []TargetChainSpec {
	return []TargetChainSpec{
		{
			Chain:             ChainBitcoin,
			DisplayName:       "Bitcoin Testnet",
			CandidateAssetIDs: []string{"BTC_TEST", "BTC"},
		},
		{
			Chain:             ChainEthereum,
			DisplayName:       "Ethereum Sepolia",
			CandidateAssetIDs: []string{"ETH_TEST5", "ETH_TEST", "ETH"},
		},
		{
			Chain:             ChainSolana,
			DisplayName:       "Solana Devnet",
			CandidateAssetIDs: []string{"SOL_TEST", "SOL"},
		},
	}
}

// VaultAssetSnapshot is one asset currently held by the vault.
// TotalBalance is an opaque display value and is never parsed.
type VaultAssetSnapshot struct {
	AssetID      string `json:"assetId"`
	TotalBalance string `json:"totalBalance"`
}

// AddressEntry is a deposit address as returned by the custody provider
type AddressEntry struct {
	Address       string `json:"address"`
	LegacyAddress string `json:"legacyAddress,omitempty"`
	Index         *int   `json:"index,omitempty"`
}

// ResolvedAddress is the outcome of resolving a single chain
type ResolvedAddress struct {
	Chain         ChainID       `json:"chain"`
	Name          string        `json:"name"`
	Address       string        `json:"address"`
	LegacyAddress string        `json:"legacyAddress,omitempty"`
	AssetID       string        `json:"assetId"`
	AddressIndex  *int          `json:"addressIndex,omitempty"`
	AddressCount  int           `json:"addressCount"`
	Balance       string        `json:"balance"`
	Source        AddressSource `json:"source"`
}

// ReconciliationReport aggregates the per-chain outcomes of one run.
// ResolvedCount always equals len(Wallets).
type ReconciliationReport struct {
	VaultID       string                      `json:"vaultId"`
	Wallets       map[ChainID]ResolvedAddress `json:"wallets"`
	Errors        map[string]string           `json:"errors"`
	Warnings      []string                    `json:"warnings,omitempty"`
	ResolvedCount int                         `json:"resolvedCount"`
	TotalTargets  int                         `json:"totalTargets"`
	DryRun        bool                        `json:"dryRun,omitempty"`
	StartedAt     time.Time                   `json:"startedAt"`
	FinishedAt    time.Time                   `json:"finishedAt"`
}

// MinResolvedForSuccess is the number of chains that must resolve for a run to count as successful
const MinResolvedForSuccess = 2

// Success reports whether enough chains resolved
func (r *ReconciliationReport) Success() bool {
	return r.ResolvedCount >= MinResolvedForSuccess
}

// AddError records a failure under the given key
func (r *ReconciliationReport) AddError(key, message string) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[key] = message
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
