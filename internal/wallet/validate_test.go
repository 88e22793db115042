package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallet-provisioner/internal/types"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		chain   types.ChainID
		assetID string
		address string
		wantErr bool
	}{
		{"btc mainnet legacy", types.ChainBitcoin, "BTC", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", false},
		{"btc mainnet segwit", types.ChainBitcoin, "BTC", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", false},
		{"btc testnet segwit", types.ChainBitcoin, "BTC_TEST", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false},
		{"btc mainnet address for testnet asset", types.ChainBitcoin, "BTC_TEST", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", true},
		{"btc garbage", types.ChainBitcoin, "BTC", "not-an-address", true},
		{"eth checksummed", types.ChainEthereum, "ETH_TEST5", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"eth lowercase", types.ChainEthereum, "ETH", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"eth bad checksum", types.ChainEthereum, "ETH", "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"eth too short", types.ChainEthereum, "ETH", "0x123", true},
		{"sol system program", types.ChainSolana, "SOL_TEST", "11111111111111111111111111111111", false},
		{"sol wrapped mint", types.ChainSolana, "SOL", "So11111111111111111111111111111111111111112", false},
		{"sol invalid alphabet", types.ChainSolana, "SOL", "0OIl", true},
		{"empty", types.ChainSolana, "SOL", "", true},
		{"unknown chain", "dogecoin", "DOGE", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.chain, tt.assetID, tt.address)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsTestnetAsset(t *testing.T) {
	assert.True(t, isTestnetAsset("BTC_TEST"))
	assert.True(t, isTestnetAsset("ETH_TEST5"))
	assert.False(t, isTestnetAsset("SOL"))
}
