package pricing

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/token-price-engine/internal/platform/cache"
	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

const (
	// DefaultPairingTTL applies to lookups that found a record
	DefaultPairingTTL = 60 * time.Second
	// DefaultPairingNegativeTTL applies to lookups that found nothing
	DefaultPairingNegativeTTL = 5 * time.Second
)

// PairingRecord links a token to the token it is paired with and the pool
type PairingRecord struct {
	PairedToken common.Address
	PoolID      [32]byte
}

// PairingLookup is the outcome of a pairing lookup. A nil Record means the
// indexer knows no pairing for the token.
type PairingLookup struct {
	Record *PairingRecord
}

// Found reports whether a record exists
func (l PairingLookup) Found() bool { return l.Record != nil }

// CoinPairingRecord is a coin's pairing as indexed. Either field may be missing.
type CoinPairingRecord struct {
	Currency *common.Address
	PoolID   *[32]byte
}

// Complete reports whether both the currency and the pool id are present
func (r *CoinPairingRecord) Complete() bool {
	return r != nil && r.Currency != nil && r.PoolID != nil
}

// CoinPairingLookup is the outcome of a coin pairing lookup. A nil Record
// means no pairing is indexed.
type CoinPairingLookup struct {
	Record *CoinPairingRecord
}

// Found reports whether a record exists, complete or not
func (l CoinPairingLookup) Found() bool { return l.Record != nil }

// PairingSource queries the indexing layer. Implementations return a nil
// record for "not indexed" and an error only for infrastructure failures.
type PairingSource interface {
	PairingForToken(ctx context.Context, token common.Address, chainID uint64) (*PairingRecord, error)
	PairingForCoin(ctx context.Context, coin common.Address, chainID uint64) (*CoinPairingRecord, error)
	Close() error
}

// PairingFetcher caches pairing lookups with a shorter TTL for misses so
// newly indexed tokens are picked up quickly. It does not deduplicate; the
// resolver's per-token dedup covers concurrent callers.
type PairingFetcher struct {
	source      PairingSource
	tokens      *cache.TTLCache[PairingLookup]
	coins       *cache.TTLCache[CoinPairingLookup]
	positiveTTL time.Duration
	negativeTTL time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// PairingFetcherConfig holds pairing fetcher configuration
type PairingFetcherConfig struct {
	Source      PairingSource
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	Clock       func() time.Time
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewPairingFetcher creates a pairing fetcher
func NewPairingFetcher(cfg PairingFetcherConfig) *PairingFetcher {
	if cfg.PositiveTTL <= 0 {
		cfg.PositiveTTL = DefaultPairingTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultPairingNegativeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &PairingFetcher{
		source:      cfg.Source,
		tokens:      cache.NewTTLCache[PairingLookup](cache.WithClock(cfg.Clock)),
		coins:       cache.NewTTLCache[CoinPairingLookup](cache.WithClock(cfg.Clock)),
		positiveTTL: cfg.PositiveTTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// FetchPairing returns the token's pairing record, or an empty lookup if none
// is indexed. Source failures are returned and not cached.
func (f *PairingFetcher) FetchPairing(ctx context.Context, token common.Address, chainID uint64) (PairingLookup, error) {
	key := addressKey(nsPairing, chainID, token)

	if lookup, ok := f.tokens.Get(key); ok {
		f.metrics.RecordCacheRequest(ctx, nsPairing, string(cache.LayerMemory), true)
		return lookup, nil
	}
	f.metrics.RecordCacheRequest(ctx, nsPairing, string(cache.LayerMemory), false)

	record, err := f.source.PairingForToken(ctx, token, chainID)
	if err != nil {
		f.metrics.RecordPairingLookup(ctx, "token", "error")
		return PairingLookup{}, err
	}

	lookup := PairingLookup{Record: record}
	if lookup.Found() {
		f.tokens.Set(key, lookup, f.positiveTTL)
		f.metrics.RecordPairingLookup(ctx, "token", "found")
	} else {
		f.tokens.Set(key, lookup, f.negativeTTL)
		f.metrics.RecordPairingLookup(ctx, "token", "absent")
		f.logger.LogDebug(ctx, "no pairing indexed", "chain_id", chainID, "token", normalize(token))
	}

	return lookup, nil
}

// FetchCoinPairing is FetchPairing for the coin namespace. Incomplete records
// count as found.
func (f *PairingFetcher) FetchCoinPairing(ctx context.Context, coin common.Address, chainID uint64) (CoinPairingLookup, error) {
	key := addressKey(nsCoinPairing, chainID, coin)

	if lookup, ok := f.coins.Get(key); ok {
		f.metrics.RecordCacheRequest(ctx, nsCoinPairing, string(cache.LayerMemory), true)
		return lookup, nil
	}
	f.metrics.RecordCacheRequest(ctx, nsCoinPairing, string(cache.LayerMemory), false)

	record, err := f.source.PairingForCoin(ctx, coin, chainID)
	if err != nil {
		f.metrics.RecordPairingLookup(ctx, "coin", "error")
		return CoinPairingLookup{}, err
	}

	lookup := CoinPairingLookup{Record: record}
	if lookup.Found() {
		f.coins.Set(key, lookup, f.positiveTTL)
		f.metrics.RecordPairingLookup(ctx, "coin", "found")
	} else {
		f.coins.Set(key, lookup, f.negativeTTL)
		f.metrics.RecordPairingLookup(ctx, "coin", "absent")
	}

	return lookup, nil
}
