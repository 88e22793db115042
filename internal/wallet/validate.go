package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"

	"github.com/wallet-provisioner/internal/types"
)

const solanaPubKeyLen = 32

// isTestnetAsset reports whether an asset id names a test network (BTC_TEST, ETH_TEST5, ...)
func isTestnetAsset(assetID string) bool {
	return strings.Contains(assetID, "_TEST")
}

// ValidateAddress checks that a provider-issued address is well formed for its
// chain and, where the encoding carries one, that it belongs to the network the
// asset id implies. Problems are reported, never fixed.
func ValidateAddress(chain types.ChainID, assetID, address string) error {
	if address == "" {
		return fmt.Errorf("%s address is empty", chain)
	}

	switch chain {
	case types.ChainBitcoin:
		return validateBitcoin(assetID, address)
	case types.ChainEthereum:
		return validateEthereum(address)
	case types.ChainSolana:
		return validateSolana(address)
	default:
		return nil
	}
}

func validateBitcoin(assetID, address string) error {
	want := &chaincfg.MainNetParams
	if isTestnetAsset(assetID) {
		want = &chaincfg.TestNet3Params
	}

	decoded, err := btcutil.DecodeAddress(address, want)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address %s: %w", address, err)
	}
	if !decoded.IsForNet(want) {
		return fmt.Errorf("bitcoin address %s does not belong to %s for asset %s", address, want.Name, assetID)
	}
	return nil
}

func validateEthereum(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid ethereum address %s", address)
	}

	// All-lower or all-upper hex carries no checksum.
	hexPart := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return nil
	}
	if checksummed := common.HexToAddress(address).Hex(); checksummed != address {
		return fmt.Errorf("ethereum address %s fails EIP-55 checksum, expected %s", address, checksummed)
	}
	return nil
}

func validateSolana(address string) error {
	decoded := base58.Decode(address)
	if len(decoded) != solanaPubKeyLen {
		return fmt.Errorf("invalid solana address %s: decodes to %d bytes, want %d", address, len(decoded), solanaPubKeyLen)
	}
	return nil
}
