package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the price engine
type Config struct {
	Chains        []ChainConfig       `mapstructure:"chains"`
	RPC           RPCConfig           `mapstructure:"rpc"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	PriceFeed     PriceFeedConfig     `mapstructure:"price_feed"`
	Indexer       IndexerConfig       `mapstructure:"indexer"`
	Warmup        WarmupConfig        `mapstructure:"warmup"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// ChainConfig overrides or extends a built-in chain entry
type ChainConfig struct {
	ID            uint64        `mapstructure:"id"`
	Name          string        `mapstructure:"name"`
	NativeSymbol  string        `mapstructure:"native_symbol"`
	WrappedNative string        `mapstructure:"wrapped_native"`
	StateView     string        `mapstructure:"state_view"`
	IndexerURL    string        `mapstructure:"indexer_url"`
	RPCEndpoints  []RPCEndpoint `mapstructure:"rpc_endpoints"`
}

// RPCEndpoint represents a JSON-RPC endpoint
type RPCEndpoint struct {
	URL string `mapstructure:"url"`
}

// RPCConfig holds settings shared by all chain client pools
type RPCConfig struct {
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	HealthCheckTTL     time.Duration `mapstructure:"health_check_ttl"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CacheConfig holds TTLs for every cache layer
type CacheConfig struct {
	PoolTTL            time.Duration `mapstructure:"pool_ttl"`
	PairingTTL         time.Duration `mapstructure:"pairing_ttl"`
	PairingNegativeTTL time.Duration `mapstructure:"pairing_negative_ttl"`
	PriceTTL           time.Duration `mapstructure:"price_ttl"`
	PriceUnresolvedTTL time.Duration `mapstructure:"price_unresolved_ttl"`
	NativeL1TTL        time.Duration `mapstructure:"native_l1_ttl"`
	NativeL2FreshTTL   time.Duration `mapstructure:"native_l2_fresh_ttl"`
	NativeL2Retention  time.Duration `mapstructure:"native_l2_retention"`
}

// ResolverConfig holds recursive resolution settings
type ResolverConfig struct {
	MaxDepth         int `mapstructure:"max_depth"`
	BatchConcurrency int `mapstructure:"batch_concurrency"`
}

// PriceFeedConfig holds upstream exchange-rate feed settings
type PriceFeedConfig struct {
	BaseURL        string               `mapstructure:"base_url"`
	Symbol         string               `mapstructure:"symbol"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// IndexerConfig selects and configures the pairing-record source
type IndexerConfig struct {
	Kind      string          `mapstructure:"kind"` // graphql or postgres
	URL       string          `mapstructure:"url"`  // default GraphQL endpoint when a chain has none
	DSN       string          `mapstructure:"dsn"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// WarmupConfig lists tokens to resolve at start-up
type WarmupConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
	Tokens  []WarmupToken `mapstructure:"tokens"`
}

// WarmupToken is one token (or coin) to pre-resolve
type WarmupToken struct {
	ChainID uint64 `mapstructure:"chain_id"`
	Address string `mapstructure:"address"`
	Coin    bool   `mapstructure:"coin"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Environment string        `mapstructure:"environment"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Sampler  string `mapstructure:"sampler"` // always, never, ratio:<x>
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load loads configuration from file and environment variables.
// Environment variables use the PRICER_ prefix with dots replaced by
// underscores, e.g. PRICER_REDIS_ADDRESS.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PRICER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// RPC defaults
	v.SetDefault("rpc.max_concurrent_calls", 16)
	v.SetDefault("rpc.call_timeout", "10s")
	v.SetDefault("rpc.health_check_ttl", "30s")

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pricer:")

	// Cache defaults
	v.SetDefault("cache.pool_ttl", "10s")
	v.SetDefault("cache.pairing_ttl", "60s")
	v.SetDefault("cache.pairing_negative_ttl", "5s")
	v.SetDefault("cache.price_ttl", "60s")
	v.SetDefault("cache.price_unresolved_ttl", "10s")
	v.SetDefault("cache.native_l1_ttl", "30s")
	v.SetDefault("cache.native_l2_fresh_ttl", "5m")
	v.SetDefault("cache.native_l2_retention", "24h")

	// Resolver defaults
	v.SetDefault("resolver.max_depth", 2)
	v.SetDefault("resolver.batch_concurrency", 8)

	// Price feed defaults
	v.SetDefault("price_feed.base_url", "https://api.coinbase.com")
	v.SetDefault("price_feed.symbol", "ETH")
	v.SetDefault("price_feed.timeout", "5s")
	v.SetDefault("price_feed.rate_limit.requests_per_minute", 600)
	v.SetDefault("price_feed.rate_limit.burst", 10)
	v.SetDefault("price_feed.retry.max_attempts", 3)
	v.SetDefault("price_feed.retry.initial_backoff", "200ms")
	v.SetDefault("price_feed.retry.max_backoff", "2s")
	v.SetDefault("price_feed.circuit_breaker.failure_threshold", 5)
	v.SetDefault("price_feed.circuit_breaker.success_threshold", 2)
	v.SetDefault("price_feed.circuit_breaker.timeout", "30s")

	// Indexer defaults
	v.SetDefault("indexer.kind", "graphql")
	v.SetDefault("indexer.timeout", "5s")
	v.SetDefault("indexer.rate_limit.requests_per_minute", 1200)
	v.SetDefault("indexer.rate_limit.burst", 50)
	v.SetDefault("indexer.retry.max_attempts", 2)
	v.SetDefault("indexer.retry.initial_backoff", "100ms")
	v.SetDefault("indexer.retry.max_backoff", "1s")

	// Warmup defaults
	v.SetDefault("warmup.enabled", true)
	v.SetDefault("warmup.timeout", "30s")

	// Observability defaults
	v.SetDefault("observability.service_name", "token-price-engine")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sampler", "always")

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for i, ch := range c.Chains {
		if ch.ID == 0 {
			return fmt.Errorf("chains[%d]: id is required", i)
		}
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	if c.Cache.PairingNegativeTTL > c.Cache.PairingTTL {
		return fmt.Errorf("pairing negative ttl (%v) must not exceed pairing ttl (%v)",
			c.Cache.PairingNegativeTTL, c.Cache.PairingTTL)
	}
	if c.Cache.PriceUnresolvedTTL > c.Cache.PriceTTL {
		return fmt.Errorf("unresolved price ttl (%v) must not exceed price ttl (%v)",
			c.Cache.PriceUnresolvedTTL, c.Cache.PriceTTL)
	}
	if c.Cache.NativeL2Retention < c.Cache.NativeL2FreshTTL {
		return fmt.Errorf("native l2 retention must be >= native l2 fresh ttl")
	}

	if c.Resolver.MaxDepth < 1 {
		return fmt.Errorf("resolver max depth must be >= 1")
	}

	if c.PriceFeed.BaseURL == "" {
		return fmt.Errorf("price feed base url is required")
	}

	switch c.Indexer.Kind {
	case "graphql":
	case "postgres":
		if c.Indexer.DSN == "" {
			return fmt.Errorf("indexer dsn is required for postgres indexer")
		}
	default:
		return fmt.Errorf("invalid indexer kind: %s", c.Indexer.Kind)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
