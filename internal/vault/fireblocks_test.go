package vault

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/retry"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

// verifyRequest checks the headers and JWT claims every signed call must carry
func verifyRequest(t *testing.T, r *http.Request, key *rsa.PrivateKey) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)

	assert.Equal(t, "test-api-key", r.Header.Get("X-API-Key"))

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	hash := sha256.Sum256(body)
	assert.Equal(t, "test-api-key", claims["sub"])
	assert.Equal(t, r.URL.RequestURI(), claims["uri"])
	assert.Equal(t, hex.EncodeToString(hash[:]), claims["bodyHash"])
	assert.NotEmpty(t, claims["nonce"])
	return body
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *FireblocksClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewFireblocksClient(FireblocksOptions{
		APIKey:            "test-api-key",
		PrivateKey:        signingKey(t),
		BaseURL:           srv.URL + "/v1",
		RequestsPerSecond: 1000,
		Retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	})
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestResolveBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", SandboxBaseURL},
		{"https://api.fireblocks.io/v1", "https://api.fireblocks.io/v1"},
		{"https://api.fireblocks.io", SandboxBaseURL},
		{"https://api.fireblocks.io/v1/", SandboxBaseURL},
		{"https://example.test/v12", "https://example.test/v12"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveBaseURL(tt.raw), "raw=%q", tt.raw)
	}
}

func TestListVaultAssets(t *testing.T) {
	key := signingKey(t)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyRequest(t, r, key)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/vault/accounts/23", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":   "23",
			"name": "treasury",
			"assets": []map[string]string{
				{"id": "BTC_TEST", "total": "0.001"},
				{"id": "ETH_TEST5"},
			},
		})
	})

	snapshot, err := client.ListVaultAssets(context.Background(), "23")
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "BTC_TEST", snapshot[0].AssetID)
	assert.Equal(t, "0.001", snapshot[0].TotalBalance)
	assert.Equal(t, "0", snapshot[1].TotalBalance)
}

func TestListAddresses_FollowsPagination(t *testing.T) {
	key := signingKey(t)
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyRequest(t, r, key)
		assert.Equal(t, "/v1/vault/accounts/23/BTC_TEST/addresses_paginated", r.URL.Path)
		atomic.AddInt32(&calls, 1)

		switch r.URL.Query().Get("after") {
		case "":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"addresses": []map[string]interface{}{
					{"address": "tb1qfirst", "legacyAddress": "mfirst", "bip44AddressIndex": 0},
				},
				"paging": map[string]string{"after": "cursor-1"},
			})
		case "cursor-1":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"addresses": []map[string]interface{}{
					{"address": "tb1qsecond", "bip44AddressIndex": 1},
				},
				"paging": map[string]string{},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	})

	entries, err := client.ListAddresses(context.Background(), "23", "BTC_TEST")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tb1qfirst", entries[0].Address)
	assert.Equal(t, "mfirst", entries[0].LegacyAddress)
	require.NotNil(t, entries[0].Index)
	assert.Equal(t, 0, *entries[0].Index)
	assert.Equal(t, "tb1qsecond", entries[1].Address)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestListAddresses_Empty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"addresses": []interface{}{}})
	})

	entries, err := client.ListAddresses(context.Background(), "23", "SOL_TEST")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateAssetAndAddress(t *testing.T) {
	key := signingKey(t)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := verifyRequest(t, r, key)
		assert.Equal(t, http.MethodPost, r.Method)

		switch r.URL.Path {
		case "/v1/vault/accounts/23/ETH_TEST5":
			writeJSON(w, http.StatusOK, map[string]string{"id": "ETH_TEST5", "address": "0xabc"})
		case "/v1/vault/accounts/23/ETH_TEST5/addresses":
			var req map[string]string
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "Primary Ethereum Sepolia address", req["description"])
			writeJSON(w, http.StatusOK, map[string]interface{}{"address": "0xabc", "bip44AddressIndex": 0})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	ctx := context.Background()
	require.NoError(t, client.CreateAsset(ctx, "23", "ETH_TEST5"))

	entry, err := client.CreateAddress(ctx, "23", "ETH_TEST5", "Primary Ethereum Sepolia address")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", entry.Address)
}

func TestProviderRejection(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"message": "Address creation is not supported for this asset",
			"code":    1006,
		})
	})

	_, err := client.CreateAddress(context.Background(), "23", "SOL_TEST", "primary")
	require.Error(t, err)

	assert.True(t, apperrors.IsUnsupportedOperation(err))
	assert.Equal(t, http.StatusBadRequest, apperrors.ProviderStatus(err))
	assert.Equal(t, "Address creation is not supported for this asset", ErrorMessage(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]string{{"id": "BTC"}, {"id": "ETH"}})
	})

	count, err := client.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPostIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.CreateAsset(context.Background(), "23", "BTC_TEST")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperrors.ProviderStatus(err))
	assert.Equal(t, "Internal Server Error", ErrorMessage(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetVaultAccount_NotFoundHint(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Vault account not found", "code": 11001})
	})

	_, err := client.GetVaultAccount(context.Background(), "99")
	require.Error(t, err)
	assert.Contains(t, VaultHint("99", err), "Vault ID '99' does not exist")
	assert.Empty(t, VaultHint("99", nil))
}

func TestLoadPrivateKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "fireblocks_secret.key")
	der := x509.MarshalPKCS1PrivateKey(signingKey(t))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), 0o600))

	key, err := LoadPrivateKey(keyPath)
	require.NoError(t, err)
	assert.True(t, key.Equal(signingKey(t)))

	_, err = LoadPrivateKey(filepath.Join(dir, "missing.key"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryConfiguration, apperrors.Categorize(err).Category)

	garbage := filepath.Join(dir, "garbage.key")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadPrivateKey(garbage)
	require.Error(t, err)
}

func TestNewFireblocksClient_RequiresCredentials(t *testing.T) {
	_, err := NewFireblocksClient(FireblocksOptions{PrivateKey: signingKey(t)})
	require.Error(t, err)

	_, err = NewFireblocksClient(FireblocksOptions{APIKey: "k"})
	require.Error(t, err)
}
