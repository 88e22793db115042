// Package envstore maintains the line-oriented KEY=value file that resolved
// wallet addresses (and sibling tooling outputs) are written to.
//
// The file is read, modified and written wholesale with no locking. Two
// concurrent writers can lose each other's updates; callers are expected to be
// the single writer of a given file.
package envstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Keys written by the wallet extractor
const (
	KeyBTCAddress       = "BTC_WALLET_ADDRESS"
	KeyBTCLegacyAddress = "BTC_LEGACY_ADDRESS"
	KeyETHAddress       = "ETH_WALLET_ADDRESS"
	KeySOLAddress       = "SOL_WALLET_ADDRESS"
	KeyExtractedAt      = "WALLETS_EXTRACTED_AT"
)

// Upsert replaces the first KEY=... line for every key in updates, or appends
// KEY=value when the key is absent. Unrelated lines keep their position and
// content. Values containing line breaks are written quoted. Keys are matched case-sensitively. New keys are appended in sorted
// order so the output does not depend on map iteration.
func Upsert(store string, updates map[string]string) string {
	if len(updates) == 0 {
		return store
	}

	var lines []string
	if store != "" {
		lines = strings.Split(store, "\n")
	}

	// A trailing newline leaves an empty final element; appends go before it.
	trailingNewline := len(lines) > 0 && lines[len(lines)-1] == ""
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := formatValue(updates[key])
		if idx := findKey(lines, key); idx >= 0 {
			suffix := ""
			if strings.HasSuffix(lines[idx], "\r") {
				suffix = "\r"
			}
			lines[idx] = key + "=" + value + suffix
			continue
		}
		lines = append(lines, key+"="+value)
	}

	return strings.Join(lines, "\n") + "\n"
}

// formatValue keeps every value on a single line. Values with line breaks
// are double quoted with escapes, which godotenv expands back on read.
func formatValue(value string) string {
	if !strings.ContainsAny(value, "\r\n") {
		return value
	}
	return `"` + valueEscaper.Replace(value) + `"`
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

func findKey(lines []string, key string) int {
	prefix := key + "="
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}

// File is an env store backed by a file on disk
type File struct {
	Path string
}

// NewFile returns a store for the given path
func NewFile(path string) *File {
	return &File{Path: path}
}

// Load returns the raw file content, or "" when the file does not exist yet
func (f *File) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	return string(data), nil
}

// Upsert applies updates to the file, creating it when missing.
// The new content is written to a temporary file and renamed into place.
func (f *File) Upsert(updates map[string]string) error {
	current, err := f.Load()
	if err != nil {
		return err
	}

	updated := Upsert(current, updates)
	if updated == current {
		return nil
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(f.Path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), "."+filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", f.Path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	if _, err := tmp.WriteString(updated); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.Path, err)
	}
	return nil
}

// Read parses the store into a map. A missing file yields an empty map.
func (f *File) Read() (map[string]string, error) {
	content, err := f.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return map[string]string{}, nil
	}

	values, err := godotenv.Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.Path, err)
	}
	return values, nil
}

// Get returns the value for key, or fallback when the key is missing or empty
func (f *File) Get(key, fallback string) string {
	values, err := f.Read()
	if err != nil {
		return fallback
	}
	if v := values[key]; v != "" {
		return v
	}
	return fallback
}
