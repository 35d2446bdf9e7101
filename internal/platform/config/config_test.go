package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 9000 {
		t.Errorf("http port: expected 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Cache.PoolTTL != 10*time.Second {
		t.Errorf("pool ttl: expected 10s, got %v", cfg.Cache.PoolTTL)
	}
	if cfg.Cache.PairingTTL != 60*time.Second || cfg.Cache.PairingNegativeTTL != 5*time.Second {
		t.Errorf("pairing ttls: got %v / %v", cfg.Cache.PairingTTL, cfg.Cache.PairingNegativeTTL)
	}
	if cfg.Cache.PriceTTL != 60*time.Second || cfg.Cache.PriceUnresolvedTTL != 10*time.Second {
		t.Errorf("price ttls: got %v / %v", cfg.Cache.PriceTTL, cfg.Cache.PriceUnresolvedTTL)
	}
	if cfg.Cache.NativeL1TTL != 30*time.Second || cfg.Cache.NativeL2FreshTTL != 5*time.Minute {
		t.Errorf("native ttls: got %v / %v", cfg.Cache.NativeL1TTL, cfg.Cache.NativeL2FreshTTL)
	}
	if cfg.Resolver.MaxDepth != 2 {
		t.Errorf("max depth: expected 2, got %d", cfg.Resolver.MaxDepth)
	}
	if cfg.Indexer.Kind != "graphql" {
		t.Errorf("indexer kind: expected graphql, got %s", cfg.Indexer.Kind)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PRICER_REDIS_ADDRESS", "redis.internal:6380")
	t.Setenv("PRICER_PRICE_FEED_SYMBOL", "BTC")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("redis:\n  db: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Redis.Address != "redis.internal:6380" {
		t.Errorf("redis address: expected env override, got %s", cfg.Redis.Address)
	}
	if cfg.PriceFeed.Symbol != "BTC" {
		t.Errorf("price feed symbol: expected BTC, got %s", cfg.PriceFeed.Symbol)
	}
	if cfg.Redis.DB != 1 {
		t.Errorf("redis db: expected 1 from file, got %d", cfg.Redis.DB)
	}
}

func validConfig() Config {
	return Config{
		Redis: RedisConfig{Enabled: true, Address: "localhost:6379"},
		Cache: CacheConfig{
			PairingTTL:         time.Minute,
			PairingNegativeTTL: 5 * time.Second,
			PriceTTL:           time.Minute,
			PriceUnresolvedTTL: 10 * time.Second,
			NativeL2FreshTTL:   5 * time.Minute,
			NativeL2Retention:  24 * time.Hour,
		},
		Resolver:  ResolverConfig{MaxDepth: 2},
		PriceFeed: PriceFeedConfig{BaseURL: "https://api.coinbase.com"},
		Indexer:   IndexerConfig{Kind: "graphql"},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "negative ttl longer than positive", mutate: func(c *Config) { c.Cache.PairingNegativeTTL = 2 * time.Minute }, wantErr: true},
		{name: "unresolved ttl longer than resolved", mutate: func(c *Config) { c.Cache.PriceUnresolvedTTL = 2 * time.Minute }, wantErr: true},
		{name: "retention shorter than fresh", mutate: func(c *Config) { c.Cache.NativeL2Retention = time.Minute }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Indexer.Kind = "postgres" }, wantErr: true},
		{name: "postgres with dsn", mutate: func(c *Config) {
			c.Indexer.Kind = "postgres"
			c.Indexer.DSN = "postgres://localhost/indexer"
		}},
		{name: "unknown indexer", mutate: func(c *Config) { c.Indexer.Kind = "rest" }, wantErr: true},
		{name: "redis enabled without address", mutate: func(c *Config) { c.Redis.Address = "" }, wantErr: true},
		{name: "redis disabled without address", mutate: func(c *Config) {
			c.Redis.Enabled = false
			c.Redis.Address = ""
		}},
		{name: "zero max depth", mutate: func(c *Config) { c.Resolver.MaxDepth = 0 }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Observability.Logging.Level = "trace" }, wantErr: true},
		{name: "chain without id", mutate: func(c *Config) { c.Chains = []ChainConfig{{Name: "x"}} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChainRegistry_Builtins(t *testing.T) {
	reg, err := NewChainRegistry(nil)
	if err != nil {
		t.Fatalf("NewChainRegistry failed: %v", err)
	}

	want := []uint64{1, 10, 8453, 84532, 7777777}
	ids := reg.IDs()
	if len(ids) != len(want) {
		t.Fatalf("expected %d chains, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d]: expected %d, got %d", i, want[i], ids[i])
		}
	}

	weth, ok := reg.WrappedNative(1)
	if !ok || weth != common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2") {
		t.Errorf("mainnet WETH: got %s ok=%v", weth.Hex(), ok)
	}

	if _, ok := reg.Get(137); ok {
		t.Error("expected unknown chain to be absent")
	}
}

func TestChainRegistry_Overrides(t *testing.T) {
	reg, err := NewChainRegistry([]ChainConfig{
		{ID: 8453, RPCEndpoints: []RPCEndpoint{{URL: "https://base.example"}}},
		{ID: 31337, Name: "anvil", WrappedNative: "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
	})
	if err != nil {
		t.Fatalf("NewChainRegistry failed: %v", err)
	}

	base, ok := reg.Get(8453)
	if !ok {
		t.Fatal("base chain missing")
	}
	if base.Name != "base" {
		t.Errorf("override must keep builtin name, got %s", base.Name)
	}
	if len(base.RPCEndpoints) != 1 || base.RPCEndpoints[0].URL != "https://base.example" {
		t.Errorf("rpc endpoints not overridden: %+v", base.RPCEndpoints)
	}

	anvil, ok := reg.Get(31337)
	if !ok || anvil.NativeSymbol != "ETH" {
		t.Errorf("custom chain: got %+v ok=%v", anvil, ok)
	}
}

func TestChainRegistry_InvalidAddress(t *testing.T) {
	_, err := NewChainRegistry([]ChainConfig{{ID: 999, WrappedNative: "not-an-address"}})
	if err == nil {
		t.Fatal("expected error for invalid wrapped native address")
	}
}
