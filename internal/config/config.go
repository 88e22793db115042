// Package config provides configuration management for the wallet provisioner.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/wallet-provisioner/internal/errors"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Fireblocks FireblocksConfig
	Reconcile  ReconcileConfig
	Runner     RunnerConfig
	EnvStore   EnvStoreConfig
	Database   DatabaseConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FireblocksConfig holds custody provider credentials
type FireblocksConfig struct {
	APIKey            string
	SecretKeyPath     string
	BaseURL           string
	VaultAccountID    string
	VaultName         string
	RequestsPerSecond int
	RequestTimeout    time.Duration
}

// ReconcileConfig holds the fixed waits used while provisioning
type ReconcileConfig struct {
	SettleDelay        time.Duration // wait after createAsset before createAddress
	FallbackRetryDelay time.Duration // wait before the Solana fallback lookup
	PacingDelay        time.Duration // wait between chains
}

// RunnerConfig holds subprocess orchestration configuration
type RunnerConfig struct {
	ExtractCommand  string
	ExtractArgs     []string
	ExtractTimeout  time.Duration
	ScriptCommand   string
	ScriptsDir      string
	ScriptExtension string
	ScriptTimeout   time.Duration
	AllowedScripts  []string
	KillGrace       time.Duration
	MaxOutputBytes  int
	WorkDir         string
}

// EnvStoreConfig holds the location of the key/value store addresses are written to
type EnvStoreConfig struct {
	Path string
}

// DatabaseConfig holds the optional backing stores
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration. Host empty disables the address ledger.
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// Enabled reports whether a ledger database is configured
func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration. Host empty selects the in-memory run store.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	RunTTL         time.Duration
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultAllowedScripts is the script allow-list used when SCRIPTS_ALLOWED is unset
var DefaultAllowedScripts = []string{
	"1-extract-wallets",
	"2-create-did",
	"3-create-proofs",
	"test-wallet-extraction",
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom loads configuration, reading envFile first when it is set
func LoadConfigFrom(envFile string) (*Config, error) {
	var err error
	if envFile != "" {
		err = godotenv.Load(envFile)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	envStorePath := getEnv("ENV_STORE_PATH", envFile)
	if envStorePath == "" {
		envStorePath = ".env"
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "3000"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Fireblocks: FireblocksConfig{
			APIKey:            getEnv("FIREBLOCKS_API_KEY", ""),
			SecretKeyPath:     getEnv("FIREBLOCKS_SECRET_KEY_PATH", ""),
			BaseURL:           getEnv("FIREBLOCKS_BASE_URL", ""),
			VaultAccountID:    getEnv("VAULT_ACCOUNT_ID", "23"),
			VaultName:         getEnv("VAULT_NAME", ""),
			RequestsPerSecond: getEnvAsInt("FIREBLOCKS_REQUESTS_PER_SECOND", 5),
			RequestTimeout:    getEnvAsDuration("FIREBLOCKS_REQUEST_TIMEOUT", 15*time.Second),
		},
		Reconcile: ReconcileConfig{
			SettleDelay:        getEnvAsDuration("RECONCILE_SETTLE_DELAY", 2*time.Second),
			FallbackRetryDelay: getEnvAsDuration("RECONCILE_FALLBACK_DELAY", 1*time.Second),
			PacingDelay:        getEnvAsDuration("RECONCILE_PACING_DELAY", 1*time.Second),
		},
		Runner: RunnerConfig{
			ExtractCommand:  getEnv("EXTRACT_COMMAND", "./bin/extract-wallets"),
			ExtractArgs:     getEnvAsList("EXTRACT_ARGS", nil),
			ExtractTimeout:  getEnvAsDuration("EXTRACT_TIMEOUT", 60*time.Second),
			ScriptCommand:   getEnv("SCRIPT_COMMAND", "node"),
			ScriptsDir:      getEnv("SCRIPTS_DIR", "scripts"),
			ScriptExtension: getEnv("SCRIPT_EXTENSION", ".js"),
			ScriptTimeout:   getEnvAsDuration("SCRIPT_TIMEOUT", 60*time.Second),
			AllowedScripts:  getEnvAsList("SCRIPTS_ALLOWED", DefaultAllowedScripts),
			KillGrace:       getEnvAsDuration("RUNNER_KILL_GRACE", 2*time.Second),
			MaxOutputBytes:  getEnvAsInt("RUNNER_MAX_OUTPUT_BYTES", 0),
			WorkDir:         getEnv("RUNNER_WORK_DIR", ""),
		},
		EnvStore: EnvStoreConfig{
			Path: envStorePath,
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", ""),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "wallet_provisioner"),
				User:           getEnv("POSTGRES_USER", "provisioner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
				RunTTL:         getEnvAsDuration("RUN_RESULT_TTL", 24*time.Hour),
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// ValidateFireblocks checks the credentials the extractor needs before any
// provider call is made. A failure here is fatal at startup.
func (c *Config) ValidateFireblocks() error {
	if c.Fireblocks.APIKey == "" {
		return apperrors.NewConfigurationError("FIREBLOCKS_API_KEY", "FIREBLOCKS_API_KEY is missing from environment")
	}
	if c.Fireblocks.SecretKeyPath == "" {
		return apperrors.NewConfigurationError("FIREBLOCKS_SECRET_KEY_PATH", "FIREBLOCKS_SECRET_KEY_PATH is missing from environment")
	}
	if _, err := os.Stat(c.Fireblocks.SecretKeyPath); err != nil {
		return apperrors.NewConfigurationError("FIREBLOCKS_SECRET_KEY_PATH",
			fmt.Sprintf("Private key file not found: %s", c.Fireblocks.SecretKeyPath))
	}
	if c.Fireblocks.VaultAccountID == "" {
		return apperrors.NewConfigurationError("VAULT_ACCOUNT_ID", "VAULT_ACCOUNT_ID is empty")
	}
	return nil
}

// IsScriptAllowed reports whether name is on the script allow-list
func (c *RunnerConfig) IsScriptAllowed(name string) bool {
	for _, allowed := range c.AllowedScripts {
		if allowed == name {
			return true
		}
	}
	return false
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable with a default value
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			values = append(values, item)
		}
	}
	return values
}
