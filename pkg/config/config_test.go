package config

import (
	"strings"
	"testing"
	"time"
)

func validTestConfig() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "3080",
			RateLimitPerMin: 30,
			ShutdownTimeout: 30 * time.Second,
		},
		Starknet: StarknetConfig{
			RPCURL:           "https://rpc.example.com",
			Account:          "relayer",
			VerifierContract: "0x0123abc",
			PoolContract:     "0x0456def",
			BridgeContract:   "0x0789aaa",
			CTContract:       "0x0abcbbb",
			Network:          "sepolia",
		},
		Batch: BatchConfig{MaxSize: 16, TimeoutSecs: 60, ChunkSize: 32, MinBatchSize: 3, MaxWaitSecs: 300},
		Auth:  AuthConfig{APIKeys: []string{"key-1"}, AllowPlaintext: true},
		Tree:  TreeConfig{SyncIntervalSecs: 15},
		Log:   LogConfig{Level: "info", ServiceName: "vm31-relayer"},
	}
}

func TestValidateConfigAccepts(t *testing.T) {
	if err := validateConfig(validTestConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateConfigRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		frag   string
	}{
		{"missing rpc url", func(c *Config) { c.Starknet.RPCURL = "" }, "STARKNET_RPC_URL"},
		{"http to non-localhost", func(c *Config) { c.Starknet.RPCURL = "http://rpc.evil.com" }, "HTTPS"},
		{"missing account", func(c *Config) { c.Starknet.Account = "" }, "STARKNET_ACCOUNT"},
		{"missing pool contract", func(c *Config) { c.Starknet.PoolContract = "" }, "VM31_POOL_CONTRACT"},
		{"non-hex contract", func(c *Config) { c.Starknet.VerifierContract = "not-hex" }, "VM31_VERIFIER_CONTRACT"},
		{"no api keys", func(c *Config) { c.Auth.APIKeys = nil }, "VM31_API_KEYS"},
		{"short privkey", func(c *Config) { c.Auth.RelayerPrivKeyHex = "abcd" }, "VM31_RELAYER_PRIVKEY"},
		{"bad storage key", func(c *Config) { c.Storage.KeyHex = strings.Repeat("g", 64) }, "VM31_STORAGE_KEY"},
		{"zero batch size", func(c *Config) { c.Batch.MaxSize = 0 }, "VM31_BATCH_MAX_SIZE"},
		{"zero min batch", func(c *Config) { c.Batch.MinBatchSize = 0 }, "VM31_MIN_BATCH_SIZE"},
		{"zero rate limit", func(c *Config) { c.Server.RateLimitPerMin = 0 }, "VM31_RATE_LIMIT"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
	}

	for _, tc := range cases {
		cfg := validTestConfig()
		tc.mutate(cfg)
		err := validateConfig(cfg)
		if err == nil {
			t.Errorf("%s: config accepted", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.frag) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.frag)
		}
	}
}

func TestValidateRPCURLLocalhost(t *testing.T) {
	for _, url := range []string{"http://localhost:5050", "http://127.0.0.1:5050", "http://[::1]:5050", "https://rpc.example.com"} {
		if err := validateRPCURL(url); err != nil {
			t.Errorf("validateRPCURL(%q) = %v", url, err)
		}
	}
	for _, url := range []string{"http://rpc.example.com", "ftp://x", "rpc.example.com"} {
		if err := validateRPCURL(url); err == nil {
			t.Errorf("validateRPCURL(%q) should fail", url)
		}
	}
}

func TestKeyDecoding(t *testing.T) {
	cfg := validTestConfig()

	if _, ok := cfg.RelayerPrivateKey(); ok {
		t.Fatal("unset private key should report not configured")
	}

	cfg.Auth.RelayerPrivKeyHex = strings.Repeat("ab", 32)
	key, ok := cfg.RelayerPrivateKey()
	if !ok || len(key) != 32 || key[0] != 0xab {
		t.Fatalf("decoded key = %v ok=%v", key, ok)
	}

	cfg.Storage.KeyHex = "0x" + strings.Repeat("cd", 32)
	key, ok = cfg.StorageKey()
	if !ok || len(key) != 32 || key[0] != 0xcd {
		t.Fatalf("storage key = %v ok=%v", key, ok)
	}
}

func TestSplitTrimmed(t *testing.T) {
	got := splitTrimmed([]string{"a, b , ,c", "d"})
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("splitTrimmed = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitTrimmed = %v, want %v", got, want)
		}
	}
}

func TestIsProduction(t *testing.T) {
	cfg := validTestConfig()
	if cfg.IsProduction() {
		t.Fatal("development config reports production")
	}
	cfg.Env = "Production"
	if !cfg.IsProduction() {
		t.Fatal("case-insensitive production check failed")
	}
}
