// Package main provides the wallet extractor: it reconciles the BTC, ETH and
// SOL wallets of a Fireblocks vault, saves the resolved addresses to the env
// store and prints a JSON summary on stdout. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallet-provisioner/internal/config"
	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/envstore"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/storage"
	"github.com/wallet-provisioner/internal/types"
	"github.com/wallet-provisioner/internal/vault"
	"github.com/wallet-provisioner/internal/wallet"
)

// Run-level error keys; per-chain failures are keyed by wallet.ChainErrorKey
const (
	stageConfiguration  = "configuration"
	stageConnectionTest = "connectionTest"
	stageEnvUpdate      = "envUpdate"
	stageLedger         = "ledger"
)

// summary is printed on stdout; the report fields are inlined
type summary struct {
	*types.ReconciliationReport
	Success      bool     `json:"success"`
	EnvUpdated   bool     `json:"envUpdated"`
	EnvStorePath string   `json:"envStorePath,omitempty"`
	Hints        []string `json:"hints,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		vaultID = flag.String("vault-id", "", "Fireblocks vault account id (default VAULT_ACCOUNT_ID)")
		dryRun  = flag.Bool("dry-run", false, "Look up wallets without creating assets or addresses, and do not write the env store")
		envFile = flag.String("env-file", "", "Env file to load and update (default .env)")
	)
	flag.Parse()

	cfg, err := config.LoadConfigFrom(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger := logging.NewLoggerTo(os.Stderr, logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logging.SetGlobalLogger(logger)

	if *vaultID == "" {
		*vaultID = cfg.Fireblocks.VaultAccountID
	}
	cfg.Fireblocks.VaultAccountID = *vaultID
	logger = logger.WithFields(map[string]interface{}{
		"vaultId": *vaultID,
		"dryRun":  *dryRun,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	targets := types.DefaultTargets()
	out := &summary{
		ReconciliationReport: &types.ReconciliationReport{
			VaultID:      *vaultID,
			Wallets:      map[types.ChainID]types.ResolvedAddress{},
			Errors:       map[string]string{},
			TotalTargets: len(targets),
			DryRun:       *dryRun,
			StartedAt:    time.Now().UTC(),
		},
	}

	// Step 1: initialize
	logger.Info("Initializing Fireblocks client")
	if err := cfg.ValidateFireblocks(); err != nil {
		return fail(logger, out, stageConfiguration, err)
	}
	client, err := vault.NewFireblocksClientFromConfig(cfg.Fireblocks)
	if err != nil {
		return fail(logger, out, stageConfiguration, err)
	}

	// Step 2: test connection
	count, err := client.TestConnection(ctx)
	if err != nil {
		if hint := vault.VaultHint(*vaultID, err); hint != "" {
			out.Hints = append(out.Hints, hint)
		}
		return fail(logger, out, stageConnectionTest, err)
	}
	logger.WithFields(map[string]interface{}{
		"baseUrl":         client.BaseURL(),
		"supportedAssets": count,
	}).Info("Connected to Fireblocks")

	// Steps 3 and 4: vault retrieval and reconciliation
	reconciler := wallet.NewReconciler(client, wallet.Options{
		VaultID: *vaultID,
		DryRun:  *dryRun,
		Delays: wallet.Delays{
			Settle:        cfg.Reconcile.SettleDelay,
			FallbackRetry: cfg.Reconcile.FallbackRetryDelay,
			Pacing:        cfg.Reconcile.PacingDelay,
		},
	})
	out.ReconciliationReport = reconciler.Reconcile(ctx, targets)

	// Step 5: env update
	if !*dryRun {
		saveAddresses(ctx, cfg, out)
		recordLedger(ctx, cfg, out.ReconciliationReport)
	}

	// Step 6: summary
	out.Success = out.ReconciliationReport.Success()
	if err := printSummary(out); err != nil {
		logger.WithError(err).Error("Failed to print summary")
		return 1
	}

	logger.WithFields(map[string]interface{}{
		"resolved": out.ResolvedCount,
		"targets":  out.TotalTargets,
		"success":  out.Success,
	}).Info("Wallet extraction finished")

	if !out.Success {
		return 1
	}
	return 0
}

// saveAddresses writes the resolved addresses to the env store
func saveAddresses(ctx context.Context, cfg *config.Config, out *summary) {
	logger := logging.FromContext(ctx)

	updates := wallet.EnvUpdates(out.ReconciliationReport, time.Now())
	if len(updates) == 0 {
		logger.Warn("No wallets resolved, env store left unchanged")
		return
	}

	store := envstore.NewFile(cfg.EnvStore.Path)
	if err := store.Upsert(updates); err != nil {
		logger.WithError(err).Error("Failed to update env store")
		out.AddError(stageEnvUpdate, err.Error())
		return
	}
	out.EnvUpdated = true
	out.EnvStorePath = store.Path
	logger.WithFields(map[string]interface{}{
		"path": store.Path,
		"keys": len(updates),
	}).Info("Env store updated")
}

// recordLedger appends the run to the address ledger when Postgres is configured
func recordLedger(ctx context.Context, cfg *config.Config, report *types.ReconciliationReport) {
	if !cfg.Database.Postgres.Enabled() || len(report.Wallets) == 0 {
		return
	}
	logger := logging.FromContext(ctx)

	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Warn("Address ledger unavailable")
		report.AddError(stageLedger, err.Error())
		return
	}
	defer db.Close()

	if err := storage.NewAddressLedger(db).Record(ctx, report); err != nil {
		logger.WithError(err).Warn("Failed to record addresses in ledger")
		report.AddError(stageLedger, err.Error())
	}
}

// fail records a run-level failure, prints the summary and returns the exit code
func fail(logger *logging.Logger, out *summary, stage string, err error) int {
	logger.WithError(err).WithField("stage", stage).Error("Wallet extraction aborted")
	message := vault.ErrorMessage(err)
	if stage == stageConfiguration {
		message = apperrors.Categorize(err).Message
	}
	out.AddError(stage, message)
	out.FinishedAt = time.Now().UTC()
	if printErr := printSummary(out); printErr != nil {
		logger.WithError(printErr).Error("Failed to print summary")
	}
	return 1
}

func printSummary(out *summary) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
