package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-provisioner/internal/config"
	"github.com/wallet-provisioner/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	return &config.PostgresConfig{
		Host:           host,
		Port:           "5432",
		Database:       "wallet_provisioner",
		User:           "provisioner",
		Password:       os.Getenv("POSTGRES_PASSWORD"),
		MaxConnections: 2,
	}
}

// migrationsDir locates the repository's migrations directory from this file
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func setupLedger(t *testing.T) *AddressLedger {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunMigrations(cfg.URL(), migrationsDir(t)))

	ctx := testContext(t)
	_, err = db.Pool().Exec(ctx, `DELETE FROM provisioned_addresses WHERE vault_id LIKE 'test-%'`)
	require.NoError(t, err)

	return NewAddressLedger(db)
}

func TestAddressLedger_RecordAndHistory(t *testing.T) {
	ledger := setupLedger(t)
	ctx := testContext(t)

	report := &types.ReconciliationReport{
		VaultID: "test-23",
		Wallets: map[types.ChainID]types.ResolvedAddress{
			types.ChainBitcoin: {
				Chain: types.ChainBitcoin, AssetID: "BTC_TEST", Address: "tb1qledger",
				LegacyAddress: "mledger", Source: types.SourceCreated,
			},
			types.ChainEthereum: {
				Chain: types.ChainEthereum, AssetID: "ETH_TEST5", Address: "0xledger", Source: types.SourceExisting,
			},
		},
		FinishedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	require.NoError(t, ledger.Record(ctx, report))

	// a later run sees the same bitcoin address as existing
	report.Wallets[types.ChainBitcoin] = types.ResolvedAddress{
		Chain: types.ChainBitcoin, AssetID: "BTC_TEST", Address: "tb1qledger",
		LegacyAddress: "mledger", Source: types.SourceExisting,
	}
	report.FinishedAt = report.FinishedAt.Add(time.Minute)
	require.NoError(t, ledger.Record(ctx, report))

	history, err := ledger.History(ctx, "test-23")
	require.NoError(t, err)
	require.Len(t, history, 2)

	byChain := map[types.ChainID]LedgerEntry{}
	for _, e := range history {
		byChain[e.Chain] = e
	}

	btc := byChain[types.ChainBitcoin]
	assert.Equal(t, types.SourceCreated, btc.Source, "first sighting source is kept")
	assert.Equal(t, 2, btc.SeenCount)
	assert.Equal(t, "mledger", btc.LegacyAddress)
	assert.True(t, btc.LastSeenAt.After(btc.FirstSeenAt))

	assert.Equal(t, "", byChain[types.ChainEthereum].LegacyAddress)
}

func TestAddressLedger_EmptyReport(t *testing.T) {
	ledger := setupLedger(t)
	assert.NoError(t, ledger.Record(testContext(t), &types.ReconciliationReport{VaultID: "test-empty"}))
}

func TestMigrationVersion(t *testing.T) {
	setupLedger(t)

	cfg := testPostgresConfig()
	version, dirty, err := MigrationVersion(cfg.URL(), migrationsDir(t))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, uint(1))
	assert.False(t, dirty)
}
