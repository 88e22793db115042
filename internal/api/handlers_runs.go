package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/runner"
	"github.com/wallet-provisioner/internal/storage"
	"github.com/wallet-provisioner/internal/types"
)

// ExtractRequest is the body of POST /extract-wallets
type ExtractRequest struct {
	VaultID string `json:"vaultId,omitempty"`
	DryRun  bool   `json:"dryRun,omitempty"`
}

// ExtractResponse is returned once the extraction process exited
type ExtractResponse struct {
	Success         bool                        `json:"success"`
	RunID           string                      `json:"runId"`
	Message         string                      `json:"message"`
	ExitCode        *int                        `json:"exitCode"`
	ScriptOutput    string                      `json:"scriptOutput"`
	Errors          string                      `json:"errors,omitempty"`
	Timestamp       string                      `json:"timestamp"`
	Report          *types.ReconciliationReport `json:"report,omitempty"`
	ParsedOutput    json.RawMessage             `json:"parsedOutput,omitempty"`
	NextSteps       []string                    `json:"nextSteps,omitempty"`
	Troubleshooting []string                    `json:"troubleshooting,omitempty"`
}

// RunFailureResponse is returned when a run timed out or never started
type RunFailureResponse struct {
	Success         bool     `json:"success"`
	RunID           string   `json:"runId"`
	Error           string   `json:"error"`
	Message         string   `json:"message"`
	Stdout          string   `json:"stdout,omitempty"`
	Stderr          string   `json:"stderr,omitempty"`
	Timestamp       string   `json:"timestamp"`
	Troubleshooting []string `json:"troubleshooting,omitempty"`
}

// ScriptRequest is the body of POST /run-script/{scriptName}
type ScriptRequest struct {
	Args []string `json:"args"`
}

// ScriptResponse is returned once a script exited
type ScriptResponse struct {
	Success    bool            `json:"success"`
	RunID      string          `json:"runId"`
	ScriptName string          `json:"scriptName"`
	ExitCode   *int            `json:"exitCode"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Parsed     json.RawMessage `json:"parsed,omitempty"`
	Message    string          `json:"message"`
	Timestamp  string          `json:"timestamp"`
}

// runContext detaches the run from the client connection. A provisioning run
// that already created assets is left to finish even if the caller hangs up.
// Server shutdown still cancels it, and the process stays bounded by its own
// timeout.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.runs, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleExtractWallets handles POST /extract-wallets
func (s *Server) handleExtractWallets(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	cfg := s.config.Runner
	args := append([]string{}, cfg.ExtractArgs...)
	if req.VaultID != "" {
		args = append(args, "--vault-id", req.VaultID)
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}

	logger := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"vaultId": req.VaultID,
		"dryRun":  req.DryRun,
	})
	logger.Info("Starting wallet extraction")

	runCtx, cancel := s.runContext(r)
	defer cancel()

	result := s.deps.Runner.Run(runCtx, runner.Command{
		Name:    cfg.ExtractCommand,
		Args:    args,
		Dir:     cfg.WorkDir,
		Timeout: cfg.ExtractTimeout,
	})
	s.saveRun(context.WithoutCancel(r.Context()), result)

	if err := result.Err(); err != nil {
		logger.WithError(err).Warn("Wallet extraction did not complete")
		s.respondRunFailure(w, result, err, "wallet extraction")
		return
	}

	report := parseReport(result.Parsed)
	if report != nil {
		if err := s.deps.Runs.SaveReport(context.WithoutCancel(r.Context()), report); err != nil {
			logger.WithError(err).Warn("Failed to store reconciliation report")
		}
	}

	success := result.Success()
	response := ExtractResponse{
		Success:      success,
		RunID:        result.RunID,
		ExitCode:     result.ExitCode,
		ScriptOutput: strings.TrimSpace(result.Stdout),
		Errors:       strings.TrimSpace(result.Stderr),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Report:       report,
	}
	if report == nil {
		response.ParsedOutput = result.Parsed
	}

	status := http.StatusOK
	if success {
		response.Message = "Wallet extraction completed successfully"
		response.NextSteps = extractNextSteps
	} else {
		status = http.StatusInternalServerError
		response.Message = "Wallet extraction failed"
		response.Troubleshooting = troubleshootingFor(report)
	}

	logger.WithFields(map[string]interface{}{
		"runId":    result.RunID,
		"exitCode": result.ExitCode,
		"success":  success,
	}).Info("Wallet extraction finished")

	respondJSON(w, status, response)
}

// handleRunScript handles POST /run-script/{scriptName}
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["scriptName"]
	cfg := s.config.Runner

	if !cfg.IsScriptAllowed(name) {
		respondCategorized(w, apperrors.NewScriptNotAllowedError(name, cfg.AllowedScripts))
		return
	}

	var req ScriptRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	scriptPath := filepath.Join(cfg.ScriptsDir, name+cfg.ScriptExtension)
	logging.FromContext(r.Context()).WithField("script", scriptPath).Info("Running script")

	runCtx, cancel := s.runContext(r)
	defer cancel()

	result := s.deps.Runner.Run(runCtx, runner.Command{
		Name:    cfg.ScriptCommand,
		Args:    append([]string{scriptPath}, req.Args...),
		Dir:     cfg.WorkDir,
		Timeout: cfg.ScriptTimeout,
	})
	s.saveRun(context.WithoutCancel(r.Context()), result)

	if err := result.Err(); err != nil {
		s.respondRunFailure(w, result, err, fmt.Sprintf("script '%s'", name))
		return
	}

	response := ScriptResponse{
		Success:    result.Success(),
		RunID:      result.RunID,
		ScriptName: name,
		ExitCode:   result.ExitCode,
		Stdout:     strings.TrimSpace(result.Stdout),
		Stderr:     strings.TrimSpace(result.Stderr),
		Parsed:     result.Parsed,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if response.Success {
		response.Message = fmt.Sprintf("Script '%s' completed successfully", name)
	} else {
		response.Message = fmt.Sprintf("Script '%s' failed with exit code %s", name, formatExitCode(result.ExitCode))
	}

	respondJSON(w, http.StatusOK, response)
}

// respondRunFailure maps a timed out or unspawnable run onto 408 or 500
func (s *Server) respondRunFailure(w http.ResponseWriter, result *runner.Result, err error, what string) {
	catErr := apperrors.Categorize(err)

	response := RunFailureResponse{
		RunID:     result.RunID,
		Error:     catErr.Message,
		Stdout:    strings.TrimSpace(result.Stdout),
		Stderr:    strings.TrimSpace(result.Stderr),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	switch result.TerminationReason {
	case types.TerminationTimedOut:
		response.Message = fmt.Sprintf("%s took too long to complete", capitalize(what))
	default:
		if result.Error != "" {
			response.Error = result.Error
		}
		response.Message = fmt.Sprintf("Failed to execute %s", what)
		response.Troubleshooting = []string{
			fmt.Sprintf("Check that '%s' is installed and on PATH", result.Command),
			"Check RUNNER_WORK_DIR points at the project directory",
		}
	}

	respondJSON(w, catErr.StatusCode, response)
}

// saveRun stores a run result; a storage failure never changes the response
func (s *Server) saveRun(ctx context.Context, result *runner.Result) {
	if err := s.deps.Runs.SaveRun(ctx, result); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("runId", result.RunID).Warn("Failed to store run result")
	}
}

// handleListRuns handles GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			respondCategorized(w, apperrors.NewInvalidParameterError("limit", "must be between 1 and 100"))
			return
		}
		limit = n
	}

	ids, err := s.deps.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to list runs")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list runs", nil)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  ids,
		"count": len(ids),
	})
}

// handleGetRun handles GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := s.deps.Runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondCategorized(w, apperrors.NewNotFoundError("run", id))
			return
		}
		logging.FromContext(r.Context()).WithError(err).Error("Failed to load run")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to load run", nil)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleLatestReport handles GET /reports/latest
func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Runs.LatestReport(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondCategorized(w, apperrors.NewNotFoundError("report", "latest"))
			return
		}
		logging.FromContext(r.Context()).WithError(err).Error("Failed to load report")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to load report", nil)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleAddressHistory handles GET /vaults/{vaultId}/addresses
func (s *Server) handleAddressHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Address ledger is not configured", nil)
		return
	}

	vaultID := mux.Vars(r)["vaultId"]
	entries, err := s.deps.Ledger.History(r.Context(), vaultID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to load address history")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to load address history", nil)
		return
	}
	if entries == nil {
		entries = []storage.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"vaultId":   vaultID,
		"addresses": entries,
		"count":     len(entries),
	})
}

// parseReport decodes the extractor's JSON summary. Output that is not a
// report yields nil.
func parseReport(parsed json.RawMessage) *types.ReconciliationReport {
	if len(parsed) == 0 {
		return nil
	}
	var report types.ReconciliationReport
	if err := json.Unmarshal(parsed, &report); err != nil || report.TotalTargets == 0 {
		return nil
	}
	return &report
}

func formatExitCode(code *int) string {
	if code == nil {
		return "none"
	}
	return strconv.Itoa(*code)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
