package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/wallet-provisioner/internal/circuitbreaker"
	"github.com/wallet-provisioner/internal/envstore"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/vault"
)

const serviceName = "wallet-provisioner"

// breakerReporter is implemented by vault clients that guard calls with a circuit breaker
type breakerReporter interface {
	BreakerStats() *circuitbreaker.Stats
}

// availableEndpoints is listed by GET / and by the 404 handler
var availableEndpoints = map[string]string{
	"GET /":                           "API information",
	"GET /health":                     "Health check",
	"GET /test-fireblocks":            "Test Fireblocks configuration (?live=true calls the provider)",
	"GET /env-info":                   "Environment information",
	"POST /extract-wallets":           "Extract wallets from Fireblocks vault",
	"POST /run-script/{scriptName}":   "Run an allow-listed script",
	"GET /runs":                       "Recent run ids",
	"GET /runs/{id}":                  "Stored result of a run",
	"GET /reports/latest":             "Latest reconciliation report",
	"GET /vaults/{vaultId}/addresses": "Provisioned address history",
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	fb := s.config.Fireblocks
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Wallet provisioning API",
		"status":    "Server is running!",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoints": availableEndpoints,
		"environment": map[string]interface{}{
			"vaultId":             fb.VaultAccountID,
			"hasFireblocksConfig": fb.APIKey != "" && fb.SecretKeyPath != "",
		},
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fb := s.config.Fireblocks

	apiKey := "missing"
	if fb.APIKey != "" {
		apiKey = "***configured***"
	}
	secretKeyPath := fb.SecretKeyPath
	if secretKeyPath == "" {
		secretKeyPath = "missing"
	}
	baseURL := fb.BaseURL
	if baseURL == "" {
		baseURL = "default"
	}

	body := map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"uptime":    time.Since(s.startedAt).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"fireblocks": map[string]string{
			"apiKey":        apiKey,
			"secretKeyPath": secretKeyPath,
			"baseUrl":       baseURL,
		},
	}
	if br, ok := s.deps.Vault.(breakerReporter); ok {
		body["circuitBreaker"] = br.BreakerStats()
	}
	respondJSON(w, http.StatusOK, body)
}

// handleEnvInfo handles GET /env-info. Wallet addresses are read from the env
// store on every request so addresses written by a finished run show up
// without a restart.
func (s *Server) handleEnvInfo(w http.ResponseWriter, r *http.Request) {
	fb := s.config.Fireblocks

	apiKeyPreview := "missing"
	if len(fb.APIKey) > 8 {
		apiKeyPreview = fb.APIKey[:8] + "..."
	} else if fb.APIKey != "" {
		apiKeyPreview = "***"
	}

	values, err := s.deps.Env.Read()
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Failed to read env store")
	}
	wallet := func(key string) string {
		if v := values[key]; v != "" {
			return v
		}
		return "not extracted"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"environment": map[string]interface{}{
			"port": s.config.Server.Port,
			"vault": map[string]string{
				"id":   fb.VaultAccountID,
				"name": fb.VaultName,
			},
			"fireblocks": map[string]interface{}{
				"hasApiKey":     fb.APIKey != "",
				"hasSecretKey":  fb.SecretKeyPath != "",
				"baseUrl":       vault.ResolveBaseURL(fb.BaseURL),
				"apiKeyPreview": apiKeyPreview,
			},
			"wallets": map[string]string{
				"btc":         wallet(envstore.KeyBTCAddress),
				"btcLegacy":   wallet(envstore.KeyBTCLegacyAddress),
				"eth":         wallet(envstore.KeyETHAddress),
				"sol":         wallet(envstore.KeySOLAddress),
				"extractedAt": wallet(envstore.KeyExtractedAt),
			},
		},
	})
}

// handleTestFireblocks handles GET /test-fireblocks. The configuration checks
// are local; ?live=true additionally calls the provider.
func (s *Server) handleTestFireblocks(w http.ResponseWriter, r *http.Request) {
	fb := s.config.Fireblocks

	keyFileExists := false
	if fb.SecretKeyPath != "" {
		if _, err := os.Stat(fb.SecretKeyPath); err == nil {
			keyFileExists = true
		}
	}

	checks := map[string]interface{}{
		"apiKey":        fb.APIKey != "",
		"secretKeyPath": fb.SecretKeyPath != "",
		"secretKeyFile": keyFileExists,
		"vaultId":       fb.VaultAccountID != "",
	}
	allConfigured := fb.APIKey != "" && keyFileExists && fb.VaultAccountID != ""

	response := map[string]interface{}{
		"success": allConfigured,
		"checks":  checks,
	}
	if allConfigured {
		response["message"] = "Fireblocks configuration looks good"
		response["nextStep"] = "Try POST /extract-wallets to test actual connection"
	} else {
		response["message"] = "Fireblocks configuration incomplete"
		response["nextStep"] = "Complete your .env configuration first"
	}

	if allConfigured && r.URL.Query().Get("live") == "true" {
		if s.deps.Vault == nil {
			checks["connection"] = "client not configured"
			response["success"] = false
		} else if count, err := s.deps.Vault.TestConnection(r.Context()); err != nil {
			checks["connection"] = vault.ErrorMessage(err)
			response["success"] = false
			response["message"] = "Fireblocks connection failed"
			response["nextStep"] = "Check the API key and private key pair"
		} else {
			checks["connection"] = fmt.Sprintf("ok, %d supported assets", count)
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// handleNotFound is the JSON 404 handler
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusNotFound, map[string]interface{}{
		"success":            false,
		"error":              "Endpoint not found",
		"message":            fmt.Sprintf("Cannot %s %s", r.Method, r.URL.RequestURI()),
		"availableEndpoints": availableEndpoints,
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed,
		fmt.Sprintf("Method %s not allowed on %s", r.Method, r.URL.Path), nil)
}
