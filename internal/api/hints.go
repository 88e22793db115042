package api

import (
	"sort"
	"strings"

	"github.com/wallet-provisioner/internal/types"
)

var extractNextSteps = []string{
	"Check the report for the extracted wallet addresses",
	"Wallet addresses have been saved to the env store",
	"Next: Create DID identity",
	"Then: Create binding proofs",
}

var genericTroubleshooting = []string{
	"Check the error output above",
	"Verify Fireblocks configuration in .env",
	"Make sure the Fireblocks private key file exists",
	"Check vault ID is correct",
	"Retry after fixing issues",
}

// stageTroubleshooting maps the stage part of a report error key to hints
var stageTroubleshooting = map[string][]string{
	"configuration": {
		"Set FIREBLOCKS_API_KEY and FIREBLOCKS_SECRET_KEY_PATH in .env",
		"Make sure the secret key file is a PEM encoded RSA private key",
	},
	"connectionTest": {
		"Fireblocks rejected the connection test: verify FIREBLOCKS_API_KEY matches the private key",
		"Check FIREBLOCKS_BASE_URL points at the right workspace",
	},
	"vaultRetrieval": {
		"The vault could not be read: check VAULT_ACCOUNT_ID",
		"Make sure the API user has access to the vault",
	},
	"createAsset": {
		"Asset creation failed: check the asset is enabled for the workspace",
	},
	"createAddress": {
		"Address creation failed: some assets do not support additional addresses",
		"Create the address in the Fireblocks console and run the extraction again",
	},
	"createSkipped": {
		"Dry run skipped wallet creation: run again without dryRun to create missing wallets",
	},
	"envUpdate": {
		"Addresses were resolved but not saved: check the env store path is writable",
	},
	"ledger": {
		"Addresses were resolved but not recorded: check the Postgres ledger connection",
	},
}

// troubleshootingFor returns hints for every failed stage of report, followed
// by the generic checklist. A nil report yields the generic checklist only.
func troubleshootingFor(report *types.ReconciliationReport) []string {
	if report == nil || len(report.Errors) == 0 {
		return genericTroubleshooting
	}

	stages := make(map[string]bool)
	for key := range report.Errors {
		stage, _, _ := strings.Cut(key, ":")
		stages[stage] = true
	}
	names := make([]string, 0, len(stages))
	for stage := range stages {
		names = append(names, stage)
	}
	sort.Strings(names)

	var hints []string
	for _, stage := range names {
		hints = append(hints, stageTroubleshooting[stage]...)
	}
	return append(hints, genericTroubleshooting...)
}
