package wallet

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/types"
	"github.com/wallet-provisioner/internal/vault"
)

// Run-level and per-chain stages used as report error keys
const (
	StageVaultRetrieval = "vaultRetrieval"
	StageCreateAsset    = "createAsset"
	StageCreateAddress  = "createAddress"
	StageCreateSkipped  = "createSkipped"
)

// ChainErrorKey is the report key for a failure of stage on chain
func ChainErrorKey(stage string, chain types.ChainID) string {
	return stage + ":" + string(chain)
}

// Delays are the fixed waits of a reconciliation run
type Delays struct {
	// Settle is the wait between creating an asset and its first address;
	// asset creation completes asynchronously on the provider side.
	Settle time.Duration
	// FallbackRetry is the wait before re-listing addresses after address
	// creation was rejected as unsupported.
	FallbackRetry time.Duration
	// Pacing is the wait between two chains.
	Pacing time.Duration
}

// DefaultDelays returns the delays used against the live provider
func DefaultDelays() Delays {
	return Delays{
		Settle:        2 * time.Second,
		FallbackRetry: 1 * time.Second,
		Pacing:        1 * time.Second,
	}
}

// Options configures a Reconciler
type Options struct {
	VaultID string
	// DryRun never calls CreateAsset or CreateAddress. Chains that would need
	// creation fail with stage createSkipped.
	DryRun bool
	Delays Delays
}

// Reconciler drives every target chain through lookup and, where needed,
// creation. Chains are handled strictly one after another.
type Reconciler struct {
	client  vault.Client
	vaultID string
	dryRun  bool
	delays  Delays
	sleep   func(ctx context.Context, d time.Duration)
	now     func() time.Time
}

// NewReconciler creates a reconciler for one vault
func NewReconciler(client vault.Client, opts Options) *Reconciler {
	return &Reconciler{
		client:  client,
		vaultID: opts.VaultID,
		dryRun:  opts.DryRun,
		delays:  opts.Delays,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

type chainState int

const (
	stateSearching chainState = iota
	stateAddressLookup
	stateCreateAsset
	stateCreateAddress
	stateFallbackLookup
	stateResolved
	stateFailed
)

func (s chainState) String() string {
	switch s {
	case stateSearching:
		return "SEARCHING"
	case stateAddressLookup:
		return "ADDRESS_LOOKUP"
	case stateCreateAsset:
		return "CREATE_ASSET"
	case stateCreateAddress:
		return "CREATE_ADDRESS"
	case stateFallbackLookup:
		return "FALLBACK_LOOKUP"
	case stateResolved:
		return "RESOLVED"
	case stateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s chainState) terminal() bool {
	return s == stateResolved || s == stateFailed
}

// chainRun is the state of one chain. Transition functions take it by value
// and return the successor, so every step is a pure function of the previous
// state and the result of one provider call.
type chainRun struct {
	target       types.TargetChainSpec
	state        chainState
	assetID      string
	entry        *types.VaultAssetSnapshot
	address      types.AddressEntry
	addressCount int
	source       types.AddressSource
	failStage    string
	failMessage  string
	createErr    error
}

func (c chainRun) fail(stage, message string) chainRun {
	c.state = stateFailed
	c.failStage = stage
	c.failMessage = message
	return c
}

func (c chainRun) resolve(source types.AddressSource, addresses []types.AddressEntry) chainRun {
	c.state = stateResolved
	c.source = source
	c.address = addresses[0]
	c.addressCount = len(addresses)
	return c
}

func (c chainRun) toCreation(dryRun bool) chainRun {
	if dryRun {
		return c.fail(StageCreateSkipped, fmt.Sprintf("dry run: %s has no address and creation is disabled", c.assetID))
	}
	c.state = stateCreateAsset
	return c
}

func afterSearch(c chainRun, res Resolution, dryRun bool) chainRun {
	c.assetID = res.AssetID
	c.entry = res.Entry
	if res.Found() {
		c.state = stateAddressLookup
		return c
	}
	return c.toCreation(dryRun)
}

// afterLookup treats a failed listing like an empty one: creation is attempted
func afterLookup(c chainRun, addresses []types.AddressEntry, dryRun bool) chainRun {
	if len(addresses) > 0 {
		return c.resolve(types.SourceExisting, addresses)
	}
	return c.toCreation(dryRun)
}

func afterCreateAsset(c chainRun, err error) chainRun {
	if err != nil {
		return c.fail(StageCreateAsset, vault.ErrorMessage(err))
	}
	c.state = stateCreateAddress
	return c
}

func afterCreateAddress(c chainRun, created types.AddressEntry, err error) chainRun {
	if err == nil {
		return c.resolve(types.SourceCreated, []types.AddressEntry{created})
	}
	if c.target.Chain == types.ChainSolana && apperrors.IsUnsupportedOperation(err) {
		c.state = stateFallbackLookup
		c.createErr = err
		return c
	}
	return c.fail(StageCreateAddress, vault.ErrorMessage(err))
}

// afterFallbackLookup fails under createAddress: that is the call that did not succeed
func afterFallbackLookup(c chainRun, addresses []types.AddressEntry, err error) chainRun {
	if len(addresses) > 0 {
		return c.resolve(types.SourceFallbackLookup, addresses)
	}
	msg := vault.ErrorMessage(c.createErr) + "; fallback lookup found no addresses"
	if err != nil {
		msg = vault.ErrorMessage(c.createErr) + "; fallback lookup failed: " + vault.ErrorMessage(err)
	}
	return c.fail(StageCreateAddress, msg)
}

// Reconcile resolves every target and returns a complete report. Provider
// failures are recorded in the report; Reconcile itself never fails.
func (r *Reconciler) Reconcile(ctx context.Context, targets []types.TargetChainSpec) *types.ReconciliationReport {
	logger := logging.FromContext(ctx).WithField("vaultId", r.vaultID)

	report := &types.ReconciliationReport{
		VaultID:      r.vaultID,
		Wallets:      make(map[types.ChainID]types.ResolvedAddress),
		Errors:       make(map[string]string),
		TotalTargets: len(targets),
		DryRun:       r.dryRun,
		StartedAt:    r.now().UTC(),
	}

	snapshot, err := r.client.ListVaultAssets(ctx, r.vaultID)
	if err != nil {
		logger.WithError(err).Error("Failed to retrieve vault")
		report.AddError(StageVaultRetrieval, vault.ErrorMessage(err))
		if hint := vault.VaultHint(r.vaultID, err); hint != "" {
			report.Warnings = append(report.Warnings, hint)
		}
		report.FinishedAt = r.now().UTC()
		return report
	}
	logger.WithField("assetCount", len(snapshot)).Info("Vault retrieved")

	runs := make([]chainRun, 0, len(targets))
	for i, target := range targets {
		runs = append(runs, r.reconcileChain(ctx, target, snapshot))
		if i < len(targets)-1 {
			r.sleep(ctx, r.delays.Pacing)
		}
	}

	fold(report, runs)
	report.FinishedAt = r.now().UTC()

	logger.WithFields(map[string]interface{}{
		"resolved": report.ResolvedCount,
		"targets":  report.TotalTargets,
		"errors":   len(report.Errors),
	}).Info("Reconciliation finished")
	return report
}

// reconcileChain performs the provider call each state asks for and feeds its
// result to the matching transition until the chain is terminal.
func (r *Reconciler) reconcileChain(ctx context.Context, target types.TargetChainSpec, snapshot []types.VaultAssetSnapshot) chainRun {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"vaultId": r.vaultID,
		"chain":   target.Chain,
	})

	c := chainRun{target: target, state: stateSearching}
	for !c.state.terminal() {
		prev := c.state

		switch c.state {
		case stateSearching:
			c = afterSearch(c, Resolve(target, snapshot), r.dryRun)

		case stateAddressLookup:
			addresses, err := r.client.ListAddresses(ctx, r.vaultID, c.assetID)
			if err != nil {
				logger.WithError(err).WithField("assetId", c.assetID).Warn("Address lookup failed, falling back to creation")
			}
			c = afterLookup(c, addresses, r.dryRun)

		case stateCreateAsset:
			c = afterCreateAsset(c, r.client.CreateAsset(ctx, r.vaultID, c.assetID))
			if c.state == stateCreateAddress {
				r.sleep(ctx, r.delays.Settle)
			}

		case stateCreateAddress:
			description := fmt.Sprintf("Primary %s address", target.DisplayName)
			created, err := r.client.CreateAddress(ctx, r.vaultID, c.assetID, description)
			c = afterCreateAddress(c, created, err)
			if c.state == stateFallbackLookup {
				r.sleep(ctx, r.delays.FallbackRetry)
			}

		case stateFallbackLookup:
			addresses, err := r.client.ListAddresses(ctx, r.vaultID, c.assetID)
			c = afterFallbackLookup(c, addresses, err)
		}

		logger.WithFields(map[string]interface{}{
			"assetId": c.assetID,
			"from":    prev.String(),
			"to":      c.state.String(),
		}).Debug("Chain state transition")
	}

	if c.state == stateResolved {
		logger.WithFields(map[string]interface{}{
			"assetId": c.assetID,
			"address": c.address.Address,
			"source":  c.source,
		}).Info("Chain resolved")
	} else {
		logger.WithFields(map[string]interface{}{
			"assetId": c.assetID,
			"stage":   c.failStage,
			"error":   c.failMessage,
		}).Warn("Chain failed")
	}
	return c
}

// fold records every terminal chain in the report
func fold(report *types.ReconciliationReport, runs []chainRun) {
	for _, c := range runs {
		if c.state != stateResolved {
			report.AddError(ChainErrorKey(c.failStage, c.target.Chain), c.failMessage)
			continue
		}

		// Only a pre-existing address carries the snapshot balance; created
		// and fallback addresses are new and report zero.
		balance := "0"
		if c.source == types.SourceExisting && c.entry != nil && c.entry.TotalBalance != "" {
			balance = c.entry.TotalBalance
		}

		report.Wallets[c.target.Chain] = types.ResolvedAddress{
			Chain:         c.target.Chain,
			Name:          c.target.DisplayName,
			Address:       c.address.Address,
			LegacyAddress: c.address.LegacyAddress,
			AssetID:       c.assetID,
			AddressIndex:  c.address.Index,
			AddressCount:  c.addressCount,
			Balance:       balance,
			Source:        c.source,
		}

		if err := ValidateAddress(c.target.Chain, c.assetID, c.address.Address); err != nil {
			report.Warnings = append(report.Warnings, err.Error())
		}
		if c.address.LegacyAddress != "" {
			if err := ValidateAddress(c.target.Chain, c.assetID, c.address.LegacyAddress); err != nil {
				report.Warnings = append(report.Warnings, "legacy "+err.Error())
			}
		}
	}
	report.ResolvedCount = len(report.Wallets)
}
