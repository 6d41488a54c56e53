// pkg/config/config.go
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the relayer configuration. It is loaded once at startup
// and treated as immutable afterwards.
type Config struct {
	Env      string         `mapstructure:"env" json:"env"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Starknet StarknetConfig `mapstructure:"starknet" json:"starknet"`
	Batch    BatchConfig    `mapstructure:"batch" json:"batch"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`
	Storage  StorageConfig  `mapstructure:"storage" json:"storage"`
	Tree     TreeConfig     `mapstructure:"tree" json:"tree"`
	Kafka    KafkaConfig    `mapstructure:"kafka" json:"kafka"`
	Prover   ProverConfig   `mapstructure:"prover" json:"prover"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`
}

// ServerConfig represents the HTTP listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" json:"host"`
	Port            string        `mapstructure:"port" json:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies" json:"trusted_proxies"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min" json:"rate_limit_per_min"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// StarknetConfig represents chain endpoint and contract addresses
type StarknetConfig struct {
	RPCURL           string `mapstructure:"rpc_url" json:"rpc_url"`
	Account          string `mapstructure:"account" json:"account"`
	VerifierContract string `mapstructure:"verifier_contract" json:"verifier_contract"`
	PoolContract     string `mapstructure:"pool_contract" json:"pool_contract"`
	BridgeContract   string `mapstructure:"bridge_contract" json:"bridge_contract"`
	CTContract       string `mapstructure:"ct_contract" json:"ct_contract"`
	Network          string `mapstructure:"network" json:"network"`
}

// BatchConfig represents batch accumulation policy
type BatchConfig struct {
	MaxSize      int `mapstructure:"max_size" json:"max_size"`
	TimeoutSecs  int `mapstructure:"timeout_secs" json:"timeout_secs"`
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	MinBatchSize int `mapstructure:"min_batch_size" json:"min_batch_size"`
	MaxWaitSecs  int `mapstructure:"max_wait_secs" json:"max_wait_secs"`
}

// AuthConfig represents API authentication and submission encryption
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys" json:"-"`
	// RelayerPrivKeyHex is the X25519 private key for ECIES envelopes,
	// 64 hex chars. Empty disables encrypted submissions.
	RelayerPrivKeyHex string `mapstructure:"relayer_privkey" json:"-"`
	// AllowPlaintext accepts unencrypted submissions (migration mode).
	AllowPlaintext bool `mapstructure:"allow_plaintext" json:"allow_plaintext"`
}

// StorageConfig represents the shared store backend
type StorageConfig struct {
	RedisURL string `mapstructure:"redis_url" json:"redis_url"`
	// KeyHex is the AES-256 key for note records at rest, 64 hex chars.
	KeyHex string `mapstructure:"key" json:"-"`
}

// TreeConfig represents the tree sync service
type TreeConfig struct {
	CachePath        string `mapstructure:"cache_path" json:"cache_path"`
	SyncIntervalSecs int    `mapstructure:"sync_interval_secs" json:"sync_interval_secs"`
}

// KafkaConfig represents the optional batch-lifecycle event publisher
type KafkaConfig struct {
	Brokers        string `mapstructure:"brokers" json:"brokers"`
	FinalizedTopic string `mapstructure:"finalized_topic" json:"finalized_topic"`
	FailedTopic    string `mapstructure:"failed_topic" json:"failed_topic"`
}

// ProverConfig represents the external prover binary
type ProverConfig struct {
	Bin string `mapstructure:"bin" json:"bin"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// MetricsConfig represents metrics collection configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
	Port      string `mapstructure:"port" json:"port"`
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
}

// envBindings maps viper keys to the environment variable contract. The names
// are part of the deployment surface, so they are bound explicitly rather than
// derived from a prefix.
var envBindings = map[string]string{
	"env":                        "VM31_ENV",
	"server.host":                "VM31_HOST",
	"server.port":                "VM31_PORT",
	"server.allowed_origins":     "VM31_ALLOWED_ORIGINS",
	"server.trusted_proxies":     "VM31_TRUSTED_PROXIES",
	"server.rate_limit_per_min":  "VM31_RATE_LIMIT",
	"starknet.rpc_url":           "STARKNET_RPC_URL",
	"starknet.account":           "STARKNET_ACCOUNT",
	"starknet.verifier_contract": "VM31_VERIFIER_CONTRACT",
	"starknet.pool_contract":     "VM31_POOL_CONTRACT",
	"starknet.bridge_contract":   "VM31_BRIDGE_CONTRACT",
	"starknet.ct_contract":       "VM31_CT_CONTRACT",
	"starknet.network":           "VM31_NETWORK",
	"batch.max_size":             "VM31_BATCH_MAX_SIZE",
	"batch.timeout_secs":         "VM31_BATCH_TIMEOUT_SECS",
	"batch.chunk_size":           "VM31_CHUNK_SIZE",
	"batch.min_batch_size":       "VM31_MIN_BATCH_SIZE",
	"batch.max_wait_secs":        "VM31_MAX_BATCH_WAIT_SECS",
	"auth.api_keys":              "VM31_API_KEYS",
	"auth.relayer_privkey":       "VM31_RELAYER_PRIVKEY",
	"auth.allow_plaintext":       "VM31_ALLOW_PLAINTEXT",
	"storage.redis_url":          "REDIS_URL",
	"storage.key":                "VM31_STORAGE_KEY",
	"tree.cache_path":            "VM31_TREE_CACHE_PATH",
	"tree.sync_interval_secs":    "VM31_TREE_SYNC_INTERVAL",
	"kafka.brokers":              "VM31_KAFKA_BROKERS",
	"log.level":                  "VM31_LOG_LEVEL",
	"metrics.port":               "VM31_METRICS_PORT",
}

// Load loads the configuration from .env, environment variables, and flags.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Best-effort .env for local development
	godotenv.Load()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if err := bindFlags(v); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Comma-separated lists arrive as single strings from the environment
	cfg.Auth.APIKeys = splitTrimmed(cfg.Auth.APIKeys)
	cfg.Server.AllowedOrigins = splitTrimmed(cfg.Server.AllowedOrigins)
	cfg.Server.TrustedProxies = splitTrimmed(cfg.Server.TrustedProxies)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3080")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.rate_limit_per_min", 30)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("starknet.network", "sepolia")

	v.SetDefault("batch.max_size", 16)
	v.SetDefault("batch.timeout_secs", 60)
	v.SetDefault("batch.chunk_size", 32)
	v.SetDefault("batch.min_batch_size", 3)
	v.SetDefault("batch.max_wait_secs", 300)

	v.SetDefault("auth.allow_plaintext", true)

	v.SetDefault("tree.cache_path", "")
	v.SetDefault("tree.sync_interval_secs", 15)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.finalized_topic", "vm31.batches.finalized")
	v.SetDefault("kafka.failed_topic", "vm31.batches.failed")

	v.SetDefault("prover.bin", "vm31-prove")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "vm31-relayer")
	v.SetDefault("log.environment", "development")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "vm31")
	v.SetDefault("metrics.port", "9090")
	v.SetDefault("metrics.endpoint", "/metrics")
}

// bindFlags binds command line flags to viper
func bindFlags(v *viper.Viper) error {
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)

	flags.String("env", "development", "Environment (development, staging, production)")
	flags.String("server.port", "3080", "API server port")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.Int("batch.max_size", 16, "Maximum transactions per batch")
	flags.Int("batch.timeout_secs", 60, "Batch flush timeout in seconds")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	return v.BindPFlags(flags)
}

// splitTrimmed expands comma-joined entries and drops empties.
func splitTrimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	var validationErrors []string

	if cfg.Starknet.RPCURL == "" {
		validationErrors = append(validationErrors, "STARKNET_RPC_URL is required")
	} else if err := validateRPCURL(cfg.Starknet.RPCURL); err != nil {
		validationErrors = append(validationErrors, err.Error())
	}

	if cfg.Starknet.Account == "" {
		validationErrors = append(validationErrors, "STARKNET_ACCOUNT is required")
	}

	for name, addr := range map[string]string{
		"VM31_VERIFIER_CONTRACT": cfg.Starknet.VerifierContract,
		"VM31_POOL_CONTRACT":     cfg.Starknet.PoolContract,
		"VM31_BRIDGE_CONTRACT":   cfg.Starknet.BridgeContract,
		"VM31_CT_CONTRACT":       cfg.Starknet.CTContract,
	} {
		if addr == "" {
			validationErrors = append(validationErrors, name+" is required")
		} else if !isHex(addr) {
			validationErrors = append(validationErrors, name+" must be a valid hex address")
		}
	}

	if len(cfg.Auth.APIKeys) == 0 {
		validationErrors = append(validationErrors, "VM31_API_KEYS must contain at least one key")
	}

	if cfg.Auth.RelayerPrivKeyHex != "" {
		if _, err := decodeKey32(cfg.Auth.RelayerPrivKeyHex); err != nil {
			validationErrors = append(validationErrors, "VM31_RELAYER_PRIVKEY "+err.Error())
		}
	}
	if cfg.Storage.KeyHex != "" {
		if _, err := decodeKey32(cfg.Storage.KeyHex); err != nil {
			validationErrors = append(validationErrors, "VM31_STORAGE_KEY "+err.Error())
		}
	}

	if cfg.Batch.MaxSize <= 0 {
		validationErrors = append(validationErrors, "VM31_BATCH_MAX_SIZE must be positive")
	}
	if cfg.Batch.TimeoutSecs <= 0 {
		validationErrors = append(validationErrors, "VM31_BATCH_TIMEOUT_SECS must be positive")
	}
	if cfg.Batch.ChunkSize <= 0 {
		validationErrors = append(validationErrors, "VM31_CHUNK_SIZE must be positive")
	}
	if cfg.Batch.MinBatchSize <= 0 {
		validationErrors = append(validationErrors, "VM31_MIN_BATCH_SIZE must be positive")
	}
	if cfg.Batch.MaxWaitSecs <= 0 {
		validationErrors = append(validationErrors, "VM31_MAX_BATCH_WAIT_SECS must be positive")
	}
	if cfg.Server.RateLimitPerMin <= 0 {
		validationErrors = append(validationErrors, "VM31_RATE_LIMIT must be positive")
	}
	if cfg.Tree.SyncIntervalSecs <= 0 {
		validationErrors = append(validationErrors, "VM31_TREE_SYNC_INTERVAL must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		validationErrors = append(validationErrors, "log level must be one of: debug, info, warn, error")
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, "; "))
	}

	return nil
}

// validateRPCURL enforces HTTPS, or HTTP only to localhost.
func validateRPCURL(rawURL string) error {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "https://") {
		return nil
	}
	if strings.HasPrefix(lower, "http://") {
		host := strings.TrimPrefix(lower, "http://")
		if strings.HasPrefix(host, "localhost") ||
			strings.HasPrefix(host, "127.0.0.1") ||
			strings.HasPrefix(host, "[::1]") {
			return nil
		}
		return errors.New("STARKNET_RPC_URL must use HTTPS for non-localhost URLs")
	}
	return errors.New("STARKNET_RPC_URL must start with https:// (or http:// for localhost)")
}

func isHex(value string) bool {
	s := strings.TrimPrefix(value, "0x")
	if s == "" {
		return false
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func decodeKey32(value string) ([]byte, error) {
	s := strings.TrimPrefix(value, "0x")
	if len(s) != 64 {
		return nil, errors.New("must be exactly 64 hex characters (32 bytes)")
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("must be valid hex")
	}
	return key, nil
}

// RelayerPrivateKey returns the decoded X25519 private key, or false if
// encrypted submissions are not configured.
func (c *Config) RelayerPrivateKey() ([]byte, bool) {
	if c.Auth.RelayerPrivKeyHex == "" {
		return nil, false
	}
	key, err := decodeKey32(c.Auth.RelayerPrivKeyHex)
	if err != nil {
		return nil, false
	}
	return key, true
}

// StorageKey returns the decoded at-rest AES-256 key, or false if storage
// encryption is not configured.
func (c *Config) StorageKey() ([]byte, bool) {
	if c.Storage.KeyHex == "" {
		return nil, false
	}
	key, err := decodeKey32(c.Storage.KeyHex)
	if err != nil {
		return nil, false
	}
	return key, true
}

// IsProduction reports whether the relayer runs in release mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// GetEnv gets an environment variable or returns a default value
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
