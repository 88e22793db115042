package vault

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wallet-provisioner/internal/circuitbreaker"
	"github.com/wallet-provisioner/internal/config"
	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/retry"
	"github.com/wallet-provisioner/internal/types"
)

// SandboxBaseURL is used when no usable base URL is configured
const SandboxBaseURL = "https://sandbox-api.fireblocks.io/v1"

// tokenLifetime must stay under the provider's 60s limit
const tokenLifetime = 55 * time.Second

const addressPageSize = 200

var versionedPath = regexp.MustCompile(`/v\d+$`)

// ResolveBaseURL returns raw when it ends in a version segment such as /v1,
// and the sandbox URL otherwise.
func ResolveBaseURL(raw string) string {
	if raw == "" || !versionedPath.MatchString(raw) {
		return SandboxBaseURL
	}
	return raw
}

// FireblocksOptions configures a FireblocksClient
type FireblocksOptions struct {
	APIKey            string
	PrivateKey        *rsa.PrivateKey
	BaseURL           string
	RequestsPerSecond int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Retry             *retry.RetryConfig
	Breaker           *circuitbreaker.Config
}

// FireblocksClient is a Client backed by the Fireblocks REST API.
// Requests are signed with a short-lived RS256 JWT per call.
type FireblocksClient struct {
	apiKey     string
	privateKey *rsa.PrivateKey
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	retry      *retry.RetryConfig
	breaker    *circuitbreaker.CircuitBreaker
	now        func() time.Time
}

var _ Client = (*FireblocksClient)(nil)

// LoadPrivateKey reads a PEM encoded RSA private key
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigurationError("FIREBLOCKS_SECRET_KEY_PATH",
			fmt.Sprintf("Private key file not found: %s", path))
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, apperrors.NewConfigurationError("FIREBLOCKS_SECRET_KEY_PATH",
			fmt.Sprintf("Private key file %s is not a PEM encoded RSA key: %v", path, err))
	}
	return key, nil
}

// NewFireblocksClientFromConfig loads the secret key and builds a client
func NewFireblocksClientFromConfig(cfg config.FireblocksConfig) (*FireblocksClient, error) {
	key, err := LoadPrivateKey(cfg.SecretKeyPath)
	if err != nil {
		return nil, err
	}
	return NewFireblocksClient(FireblocksOptions{
		APIKey:            cfg.APIKey,
		PrivateKey:        key,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.RequestTimeout,
	})
}

// NewFireblocksClient creates a new Fireblocks API client
func NewFireblocksClient(opts FireblocksOptions) (*FireblocksClient, error) {
	if opts.APIKey == "" {
		return nil, apperrors.NewConfigurationError("FIREBLOCKS_API_KEY", "FIREBLOCKS_API_KEY is missing from environment")
	}
	if opts.PrivateKey == nil {
		return nil, apperrors.NewConfigurationError("FIREBLOCKS_SECRET_KEY_PATH", "no private key loaded")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	retryCfg := opts.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}
	if retryCfg.Retryable == nil {
		retryCfg.Retryable = apperrors.IsRetryable
	}

	breakerCfg := opts.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig("fireblocks")
	}
	if breakerCfg.IsFailure == nil {
		// Rejections such as "asset not supported" say nothing about provider health.
		breakerCfg.IsFailure = apperrors.IsRetryable
	}

	return &FireblocksClient{
		apiKey:     opts.APIKey,
		privateKey: opts.PrivateKey,
		baseURL:    ResolveBaseURL(opts.BaseURL),
		client:     httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		retry:      retryCfg,
		breaker:    circuitbreaker.NewCircuitBreaker(breakerCfg),
		now:        time.Now,
	}, nil
}

// BaseURL returns the resolved API base URL
func (c *FireblocksClient) BaseURL() string {
	return c.baseURL
}

// BreakerStats exposes the provider circuit breaker state
func (c *FireblocksClient) BreakerStats() *circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// VaultAccount is a vault as returned by the provider
type VaultAccount struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Assets []VaultAsset `json:"assets"`
}

// VaultAsset is one asset wallet inside a vault account
type VaultAsset struct {
	ID        string `json:"id"`
	Total     string `json:"total"`
	Available string `json:"available,omitempty"`
}

type depositAddress struct {
	Address           string `json:"address"`
	LegacyAddress     string `json:"legacyAddress"`
	Bip44AddressIndex *int   `json:"bip44AddressIndex"`
}

func (a depositAddress) entry() types.AddressEntry {
	return types.AddressEntry{
		Address:       a.Address,
		LegacyAddress: a.LegacyAddress,
		Index:         a.Bip44AddressIndex,
	}
}

type addressPage struct {
	Addresses []depositAddress `json:"addresses"`
	Paging    struct {
		After string `json:"after"`
	} `json:"paging"`
}

// TestConnection performs a cheap authenticated call and returns the number
// of assets the workspace supports.
func (c *FireblocksClient) TestConnection(ctx context.Context) (int, error) {
	var assets []json.RawMessage
	if err := c.get(ctx, "testConnection", "/supported_assets", &assets); err != nil {
		return 0, err
	}
	return len(assets), nil
}

// GetVaultAccount fetches a vault with its asset wallets
func (c *FireblocksClient) GetVaultAccount(ctx context.Context, vaultID string) (*VaultAccount, error) {
	var account VaultAccount
	path := "/vault/accounts/" + url.PathEscape(vaultID)
	if err := c.get(ctx, "vaultRetrieval", path, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// ListVaultAssets returns one snapshot per asset the vault holds
func (c *FireblocksClient) ListVaultAssets(ctx context.Context, vaultID string) ([]types.VaultAssetSnapshot, error) {
	account, err := c.GetVaultAccount(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	snapshot := make([]types.VaultAssetSnapshot, 0, len(account.Assets))
	for _, asset := range account.Assets {
		total := asset.Total
		if total == "" {
			total = "0"
		}
		snapshot = append(snapshot, types.VaultAssetSnapshot{AssetID: asset.ID, TotalBalance: total})
	}
	return snapshot, nil
}

// ListAddresses returns every deposit address of an asset wallet, following
// pagination until the provider stops returning a cursor.
func (c *FireblocksClient) ListAddresses(ctx context.Context, vaultID, assetID string) ([]types.AddressEntry, error) {
	base := fmt.Sprintf("/vault/accounts/%s/%s/addresses_paginated", url.PathEscape(vaultID), url.PathEscape(assetID))

	var entries []types.AddressEntry
	after := ""
	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprintf("%d", addressPageSize))
		if after != "" {
			query.Set("after", after)
		}

		var page addressPage
		if err := c.get(ctx, "listAddresses", base+"?"+query.Encode(), &page); err != nil {
			return nil, err
		}
		for _, addr := range page.Addresses {
			entries = append(entries, addr.entry())
		}

		if page.Paging.After == "" || page.Paging.After == after || len(page.Addresses) == 0 {
			return entries, nil
		}
		after = page.Paging.After
	}
}

// CreateAsset activates an asset wallet inside the vault
func (c *FireblocksClient) CreateAsset(ctx context.Context, vaultID, assetID string) error {
	path := fmt.Sprintf("/vault/accounts/%s/%s", url.PathEscape(vaultID), url.PathEscape(assetID))
	return c.send(ctx, "createAsset", http.MethodPost, path, struct{}{}, nil)
}

// CreateAddress generates a new deposit address for an asset wallet
func (c *FireblocksClient) CreateAddress(ctx context.Context, vaultID, assetID, description string) (types.AddressEntry, error) {
	path := fmt.Sprintf("/vault/accounts/%s/%s/addresses", url.PathEscape(vaultID), url.PathEscape(assetID))
	body := map[string]string{"description": description}

	var addr depositAddress
	if err := c.send(ctx, "createAddress", http.MethodPost, path, body, &addr); err != nil {
		return types.AddressEntry{}, err
	}
	if addr.Address == "" {
		return types.AddressEntry{}, apperrors.NewProviderError("createAddress", http.StatusOK,
			fmt.Errorf("provider returned no address for %s", assetID))
	}
	return addr.entry(), nil
}

// get issues an idempotent request and retries it on throttling and server errors
func (c *FireblocksClient) get(ctx context.Context, operation, path string, out interface{}) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		return c.send(ctx, operation, http.MethodGet, path, nil, out)
	})
}

// send issues a single request. Mutating calls are never retried.
func (c *FireblocksClient) send(ctx context.Context, operation, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.NewProviderError(operation, 0, err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, operation, method, path, body, out)
	})
}

func (c *FireblocksClient) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperrors.NewInternalError("failed to encode request body", err)
		}
	}

	fullURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewInternalError("failed to build request", err)
	}

	token, err := c.signRequest(req.URL.RequestURI(), payload)
	if err != nil {
		return apperrors.NewInternalError("failed to sign request", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": operation,
		"method":    method,
		"path":      path,
	})
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		logger.WithError(err).Warn("Fireblocks request failed")
		return apperrors.NewProviderError(operation, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewProviderError(operation, resp.StatusCode, err)
	}

	logger.WithFields(map[string]interface{}{
		"status":     resp.StatusCode,
		"durationMs": time.Since(start).Milliseconds(),
	}).Debug("Fireblocks request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewProviderError(operation, resp.StatusCode, parseAPIError(resp.StatusCode, respBody))
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.NewProviderError(operation, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		apiErr.Message = msg
	}
	apiErr.Status = status
	return apiErr
}

// signRequest builds the per-request JWT: the URI and a hash of the exact body
// are bound into the token so it cannot be replayed against another call.
func (c *FireblocksClient) signRequest(uri string, body []byte) (string, error) {
	now := c.now()
	hash := sha256.Sum256(body)

	claims := jwt.MapClaims{
		"uri":      uri,
		"nonce":    uuid.New().String(),
		"iat":      now.Unix(),
		"exp":      now.Add(tokenLifetime).Unix(),
		"sub":      c.apiKey,
		"bodyHash": hex.EncodeToString(hash[:]),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.privateKey)
}
