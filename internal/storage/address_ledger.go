package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wallet-provisioner/internal/types"
)

// LedgerEntry is one provisioned address as remembered by the ledger
type LedgerEntry struct {
	VaultID       string              `json:"vaultId"`
	Chain         types.ChainID       `json:"chain"`
	AssetID       string              `json:"assetId"`
	Address       string              `json:"address"`
	LegacyAddress string              `json:"legacyAddress,omitempty"`
	Source        types.AddressSource `json:"source"`
	FirstSeenAt   time.Time           `json:"firstSeenAt"`
	LastSeenAt    time.Time           `json:"lastSeenAt"`
	SeenCount     int                 `json:"seenCount"`
}

// AddressLedger records every address a reconciliation run resolved, so an
// address that later disappears from the vault can still be traced.
type AddressLedger struct {
	db *PostgresDB
}

// NewAddressLedger creates a ledger on top of a Postgres connection
func NewAddressLedger(db *PostgresDB) *AddressLedger {
	return &AddressLedger{db: db}
}

// Record upserts every resolved wallet of the report. The source of the first
// sighting is kept; later sightings only bump last_seen_at and seen_count.
func (l *AddressLedger) Record(ctx context.Context, report *types.ReconciliationReport) error {
	if len(report.Wallets) == 0 {
		return nil
	}

	query := `
		INSERT INTO provisioned_addresses (
			vault_id, chain, asset_id, address, legacy_address, source, first_seen_at, last_seen_at, seen_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
		ON CONFLICT (vault_id, chain, address) DO UPDATE SET
			asset_id = EXCLUDED.asset_id,
			legacy_address = EXCLUDED.legacy_address,
			last_seen_at = EXCLUDED.last_seen_at,
			seen_count = provisioned_addresses.seen_count + 1
	`

	seenAt := report.FinishedAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	batch := &pgx.Batch{}
	for _, wallet := range report.Wallets {
		var legacy *string
		if wallet.LegacyAddress != "" {
			legacy = &wallet.LegacyAddress
		}
		batch.Queue(query, report.VaultID, wallet.Chain, wallet.AssetID, wallet.Address, legacy, wallet.Source, seenAt)
	}

	results := l.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to record provisioned address: %w", err)
		}
	}
	return nil
}

// History returns every address recorded for a vault, newest sighting first
func (l *AddressLedger) History(ctx context.Context, vaultID string) ([]LedgerEntry, error) {
	query := `
		SELECT vault_id, chain, asset_id, address, COALESCE(legacy_address, ''), source,
		       first_seen_at, last_seen_at, seen_count
		FROM provisioned_addresses
		WHERE vault_id = $1
		ORDER BY last_seen_at DESC, chain
	`

	rows, err := l.db.Pool().Query(ctx, query, vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to query address history: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.VaultID,
			&e.Chain,
			&e.AssetID,
			&e.Address,
			&e.LegacyAddress,
			&e.Source,
			&e.FirstSeenAt,
			&e.LastSeenAt,
			&e.SeenCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan address history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate address history: %w", err)
	}
	return entries, nil
}
