package envstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		updates map[string]string
		want    string
	}{
		{
			name:    "empty store",
			store:   "",
			updates: map[string]string{KeyETHAddress: "0xabc"},
			want:    "ETH_WALLET_ADDRESS=0xabc\n",
		},
		{
			name:    "replace in place",
			store:   "PORT=3000\nETH_WALLET_ADDRESS=0xold\nVAULT_ACCOUNT_ID=23\n",
			updates: map[string]string{KeyETHAddress: "0xnew"},
			want:    "PORT=3000\nETH_WALLET_ADDRESS=0xnew\nVAULT_ACCOUNT_ID=23\n",
		},
		{
			name:    "append when absent",
			store:   "PORT=3000\n",
			updates: map[string]string{KeySOLAddress: "So1"},
			want:    "PORT=3000\nSOL_WALLET_ADDRESS=So1\n",
		},
		{
			name:    "store without trailing newline",
			store:   "PORT=3000",
			updates: map[string]string{KeySOLAddress: "So1"},
			want:    "PORT=3000\nSOL_WALLET_ADDRESS=So1\n",
		},
		{
			name:    "only first match is replaced",
			store:   "BTC_WALLET_ADDRESS=a\nBTC_WALLET_ADDRESS=b\n",
			updates: map[string]string{KeyBTCAddress: "c"},
			want:    "BTC_WALLET_ADDRESS=c\nBTC_WALLET_ADDRESS=b\n",
		},
		{
			name:    "key match is case sensitive and exact",
			store:   "eth_wallet_address=x\nETH_WALLET_ADDRESS_OLD=y\n",
			updates: map[string]string{KeyETHAddress: "0xabc"},
			want:    "eth_wallet_address=x\nETH_WALLET_ADDRESS_OLD=y\nETH_WALLET_ADDRESS=0xabc\n",
		},
		{
			name:    "comments and blanks are kept",
			store:   "# wallets\n\nBTC_WALLET_ADDRESS=a\n",
			updates: map[string]string{KeyBTCAddress: "tb1q"},
			want:    "# wallets\n\nBTC_WALLET_ADDRESS=tb1q\n",
		},
		{
			name:    "crlf line endings survive",
			store:   "BTC_WALLET_ADDRESS=a\r\nPORT=1\r\n",
			updates: map[string]string{KeyBTCAddress: "b"},
			want:    "BTC_WALLET_ADDRESS=b\r\nPORT=1\r\n",
		},
		{
			name:  "appends are sorted",
			store: "",
			updates: map[string]string{
				KeySOLAddress:  "s",
				KeyBTCAddress:  "b",
				KeyExtractedAt: "2025-01-01T00:00:00Z",
			},
			want: "BTC_WALLET_ADDRESS=b\nSOL_WALLET_ADDRESS=s\nWALLETS_EXTRACTED_AT=2025-01-01T00:00:00Z\n",
		},
		{
			name:    "line breaks in a value are quoted",
			store:   "PORT=3000\n",
			updates: map[string]string{KeyETHAddress: "0xabc\nINJECTED=1\r"},
			want:    "PORT=3000\n" + `ETH_WALLET_ADDRESS="0xabc\nINJECTED=1\r"` + "\n",
		},
		{
			name:    "quoted value escapes quotes and backslashes",
			store:   "",
			updates: map[string]string{KeySOLAddress: "a\"b\\c\nd"},
			want:    `SOL_WALLET_ADDRESS="a\"b\\c\nd"` + "\n",
		},
		{
			name:    "no updates leaves store untouched",
			store:   "PORT=3000",
			updates: nil,
			want:    "PORT=3000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Upsert(tt.store, tt.updates))
		})
	}
}

var managedKeys = []string{KeyBTCAddress, KeyBTCLegacyAddress, KeyETHAddress, KeySOLAddress, KeyExtractedAt}

func keyGen() gopter.Gen {
	return gen.IntRange(0, len(managedKeys)-1).Map(func(i int) string { return managedKeys[i] })
}

func unrelatedLineGen() gopter.Gen {
	return gen.IntRange(0, 9).Map(func(i int) string {
		switch {
		case i < 6:
			return fmt.Sprintf("OTHER_%d=%d", i, i)
		case i < 8:
			return "# comment"
		default:
			return ""
		}
	})
}

func TestUpsert_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	updatesGen := gen.MapOf(keyGen(), gen.AlphaString())
	storeGen := gen.SliceOf(unrelatedLineGen()).Map(func(lines []string) string {
		return strings.Join(lines, "\n")
	})

	properties.Property("upsert is idempotent", prop.ForAll(
		func(store string, updates map[string]string) bool {
			once := Upsert(store, updates)
			return Upsert(once, updates) == once
		},
		storeGen, updatesGen,
	))

	properties.Property("unrelated lines keep their order", prop.ForAll(
		func(store string, updates map[string]string) bool {
			out := Upsert(store, updates)
			var kept []string
			for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
				if strings.HasPrefix(line, "OTHER_") || strings.HasPrefix(line, "#") {
					kept = append(kept, line)
				}
			}
			var original []string
			for _, line := range strings.Split(store, "\n") {
				if strings.HasPrefix(line, "OTHER_") || strings.HasPrefix(line, "#") {
					original = append(original, line)
				}
			}
			return strings.Join(kept, "\n") == strings.Join(original, "\n")
		},
		storeGen, updatesGen,
	))

	properties.Property("every updated key ends up with its value", prop.ForAll(
		func(store string, updates map[string]string) bool {
			out := Upsert(store, updates)
			for key, value := range updates {
				if !strings.Contains(out, key+"="+value+"\n") {
					return false
				}
			}
			return true
		},
		storeGen, updatesGen,
	))

	properties.TestingRun(t)
}

func TestFile_UpsertCreatesAndUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	store := NewFile(path)

	require.NoError(t, store.Upsert(map[string]string{KeyBTCAddress: "tb1qfirst"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "BTC_WALLET_ADDRESS=tb1qfirst\n", string(content))

	require.NoError(t, store.Upsert(map[string]string{
		KeyBTCAddress: "tb1qsecond",
		KeyETHAddress: "0xabc",
	}))

	values, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "tb1qsecond", values[KeyBTCAddress])
	assert.Equal(t, "0xabc", values[KeyETHAddress])
}

func TestUpsert_MultiLineValueIsIdempotent(t *testing.T) {
	updates := map[string]string{KeyETHAddress: "0xabc\nINJECTED=1"}

	once := Upsert("PORT=3000\n", updates)
	assert.Equal(t, once, Upsert(once, updates))
	assert.NotContains(t, once, "\nINJECTED=1", "value stays on one line")
}

func TestFile_MultiLineValueRoundTrips(t *testing.T) {
	store := NewFile(filepath.Join(t.TempDir(), ".env"))

	require.NoError(t, store.Upsert(map[string]string{KeyETHAddress: "line1\nline2"}))

	values, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", values[KeyETHAddress])
	assert.NotContains(t, values, "line2")
}

func TestFile_UpsertKeepsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=3000\n"), 0o640))

	require.NoError(t, NewFile(path).Upsert(map[string]string{KeySOLAddress: "So1"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestFile_ReadMissing(t *testing.T) {
	store := NewFile(filepath.Join(t.TempDir(), "absent.env"))

	values, err := store.Read()
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Equal(t, "not extracted", store.Get(KeyETHAddress, "not extracted"))
}
