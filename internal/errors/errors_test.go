package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallet-provisioner/internal/types"
)

func TestCategorize(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})

	t.Run("wrapped categorized error is found", func(t *testing.T) {
		inner := NewSpawnError("node", errors.New("executable file not found"))
		wrapped := fmt.Errorf("run failed: %w", inner)

		assert.Same(t, inner, Categorize(wrapped))
	})

	t.Run("service error is mapped", func(t *testing.T) {
		err := &types.ServiceError{Code: "RUN_NOT_FOUND", Message: "no such run"}
		assert.Equal(t, http.StatusNotFound, GetHTTPStatusCode(err))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		catErr := Categorize(errors.New("boom"))
		assert.Equal(t, CategorySystem, catErr.Category)
		assert.Equal(t, http.StatusInternalServerError, catErr.StatusCode)
	})
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", NewTimeoutError("extract-wallets", 60*time.Second), http.StatusRequestTimeout},
		{"spawn", NewSpawnError("node", errors.New("not found")), http.StatusInternalServerError},
		{"not allowed", NewScriptNotAllowedError("rm", []string{"1-extract-wallets"}), http.StatusBadRequest},
		{"configuration", NewConfigurationError("FIREBLOCKS_API_KEY", "missing"), http.StatusInternalServerError},
		{"provider", NewProviderError("createAsset", 400, errors.New("rejected")), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetHTTPStatusCode(tt.err))
		})
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := NewTimeoutError("extract-wallets", 60*time.Second)
	assert.Equal(t, "Script execution timeout (60 seconds)", err.Message)
	assert.Equal(t, int64(60000), err.Details["timeoutMs"])
}

func TestIsUnsupportedOperation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not supported", errors.New("Address creation is not supported for this asset"), true},
		{"unsupported", errors.New("Unsupported operation"), true},
		{"wrapped provider error", NewProviderError("createAddress", 400, errors.New("not supported")), true},
		{"other", errors.New("insufficient permissions"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnsupportedOperation(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewProviderError("listAddresses", 0, errors.New("connection reset"))))
	assert.True(t, IsRetryable(NewProviderError("listAddresses", http.StatusTooManyRequests, errors.New("slow down"))))
	assert.True(t, IsRetryable(NewProviderError("listAddresses", http.StatusBadGateway, errors.New("bad gateway"))))
	assert.False(t, IsRetryable(NewProviderError("createAsset", http.StatusBadRequest, errors.New("rejected"))))
	assert.False(t, IsRetryable(NewScriptNotAllowedError("x", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestProviderStatus(t *testing.T) {
	assert.Equal(t, 404, ProviderStatus(NewProviderError("getVaultAccount", 404, errors.New("missing"))))
	assert.Equal(t, 0, ProviderStatus(errors.New("plain")))
	assert.Equal(t, 0, ProviderStatus(NewInternalError("x", nil)))
}
