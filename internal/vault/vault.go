// Package vault talks to the custody provider that holds the vault's assets and
// derived deposit addresses.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/types"
)

// Client is the capability set the reconciler needs from a custody provider.
// Every method fails with a provider error (see apperrors.NewProviderError).
type Client interface {
	ListVaultAssets(ctx context.Context, vaultID string) ([]types.VaultAssetSnapshot, error)
	ListAddresses(ctx context.Context, vaultID, assetID string) ([]types.AddressEntry, error)
	CreateAsset(ctx context.Context, vaultID, assetID string) error
	CreateAddress(ctx context.Context, vaultID, assetID, description string) (types.AddressEntry, error)
}

// APIError is the error body returned by the provider
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (status %d, code %d)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// ErrorMessage returns the provider's own message when err carries one, and
// err.Error() otherwise. It is the text recorded in reconciliation reports.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// VaultHint returns an operator hint for a failed vault lookup, or "" when the
// failure has no specific remedy.
func VaultHint(vaultID string, err error) string {
	switch apperrors.ProviderStatus(err) {
	case http.StatusNotFound:
		return fmt.Sprintf("Vault ID '%s' does not exist: check VAULT_ACCOUNT_ID or create the vault first", vaultID)
	case http.StatusForbidden:
		return fmt.Sprintf("Access denied to vault '%s': check API key permissions", vaultID)
	case http.StatusUnauthorized:
		return "Authentication failed: check FIREBLOCKS_API_KEY and the secret key file"
	default:
		return ""
	}
}
