package wallet

import (
	"time"

	"github.com/wallet-provisioner/internal/envstore"
	"github.com/wallet-provisioner/internal/types"
)

// envKeys maps a chain to the env store key of its primary address
var envKeys = map[types.ChainID]string{
	types.ChainBitcoin:  envstore.KeyBTCAddress,
	types.ChainEthereum: envstore.KeyETHAddress,
	types.ChainSolana:   envstore.KeySOLAddress,
}

// EnvUpdates returns the env store entries for the resolved wallets of report.
// It returns nil when nothing resolved, so an empty run leaves the store and
// its extraction timestamp untouched.
func EnvUpdates(report *types.ReconciliationReport, at time.Time) map[string]string {
	updates := make(map[string]string)
	for chain, wallet := range report.Wallets {
		key, ok := envKeys[chain]
		if !ok {
			continue
		}
		updates[key] = wallet.Address
		if chain == types.ChainBitcoin && wallet.LegacyAddress != "" {
			updates[envstore.KeyBTCLegacyAddress] = wallet.LegacyAddress
		}
	}
	if len(updates) == 0 {
		return nil
	}
	updates[envstore.KeyExtractedAt] = at.UTC().Format(time.RFC3339)
	return updates
}
