package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
	"github.com/agatticelli/token-price-engine/internal/platform/resilience"
)

const tokenPairingQuery = `query TokenPairing($chainId: Int!, $address: String!) {
  tokenPairing(chainId: $chainId, address: $address) {
    pairedToken
    poolId
  }
}`

const coinPairingQuery = `query CoinPairing($chainId: Int!, $address: String!) {
  coinPairing(chainId: $chainId, address: $address) {
    currency
    poolId
  }
}`

// GraphQLPairingSource reads pairing records from the indexer's GraphQL API
type GraphQLPairingSource struct {
	client      *http.Client
	defaultURL  string
	chainURLs   map[uint64]string
	rateLimiter *resilience.RateLimiter
	retry       resilience.RetryPolicy
	cb          *resilience.CircuitBreaker
	logger      *observability.Logger
	metrics     *observability.Metrics
	health      *healthTracker
}

// GraphQLPairingSourceConfig holds GraphQL source configuration
type GraphQLPairingSourceConfig struct {
	URL            string            // used for chains without their own endpoint
	ChainURLs      map[uint64]string // per-chain endpoints
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
	Retry          resilience.RetryPolicy
	Breaker        BreakerSettings
	HTTPClient     *http.Client
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type tokenPairingData struct {
	TokenPairing *struct {
		PairedToken *string `json:"pairedToken"`
		PoolID      *string `json:"poolId"`
	} `json:"tokenPairing"`
}

type coinPairingData struct {
	CoinPairing *struct {
		Currency *string `json:"currency"`
		PoolID   *string `json:"poolId"`
	} `json:"coinPairing"`
}

// NewGraphQLPairingSource creates a GraphQL pairing source
func NewGraphQLPairingSource(cfg GraphQLPairingSourceConfig) (*GraphQLPairingSource, error) {
	if cfg.URL == "" && len(cfg.ChainURLs) == 0 {
		return nil, fmt.Errorf("at least one indexer URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 1200
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	urls := make(map[uint64]string, len(cfg.ChainURLs))
	for id, u := range cfg.ChainURLs {
		if u != "" {
			urls[id] = u
		}
	}

	cb := newUpstreamBreaker("graphql-indexer", cfg.Breaker, cfg.Metrics)

	return &GraphQLPairingSource{
		client:      cfg.HTTPClient,
		defaultURL:  cfg.URL,
		chainURLs:   urls,
		rateLimiter: resilience.NewRateLimiterFromRPM(cfg.RateLimitRPM, cfg.RateLimitBurst),
		retry:       cfg.Retry,
		cb:          cb,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		health:      newHealthTracker("graphql-indexer", cfg.URL, cb),
	}, nil
}

// PairingForToken implements PairingSource. A record missing either field is
// reported as absent.
func (s *GraphQLPairingSource) PairingForToken(ctx context.Context, token common.Address, chainID uint64) (*PairingRecord, error) {
	var data tokenPairingData
	if err := s.query(ctx, chainID, tokenPairingQuery, normalize(token), &data); err != nil {
		return nil, err
	}

	p := data.TokenPairing
	if p == nil || p.PairedToken == nil || p.PoolID == nil {
		return nil, nil
	}

	paired, err := parseAddress(*p.PairedToken)
	if err != nil {
		return nil, err
	}
	poolID, err := parsePoolID(*p.PoolID)
	if err != nil {
		return nil, err
	}

	return &PairingRecord{PairedToken: paired, PoolID: poolID}, nil
}

// PairingForCoin implements PairingSource
func (s *GraphQLPairingSource) PairingForCoin(ctx context.Context, coin common.Address, chainID uint64) (*CoinPairingRecord, error) {
	var data coinPairingData
	if err := s.query(ctx, chainID, coinPairingQuery, normalize(coin), &data); err != nil {
		return nil, err
	}

	p := data.CoinPairing
	if p == nil {
		return nil, nil
	}

	record := &CoinPairingRecord{}
	if p.Currency != nil && *p.Currency != "" {
		currency, err := parseAddress(*p.Currency)
		if err != nil {
			return nil, err
		}
		record.Currency = &currency
	}
	if p.PoolID != nil && *p.PoolID != "" {
		poolID, err := parsePoolID(*p.PoolID)
		if err != nil {
			return nil, err
		}
		record.PoolID = &poolID
	}

	return record, nil
}

// Close implements PairingSource
func (s *GraphQLPairingSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Health returns the current health of the indexer
func (s *GraphQLPairingSource) Health() ProviderHealth {
	return s.health.snapshot()
}

func (s *GraphQLPairingSource) endpoint(chainID uint64) (string, error) {
	if u, ok := s.chainURLs[chainID]; ok {
		return u, nil
	}
	if s.defaultURL != "" {
		return s.defaultURL, nil
	}
	return "", fmt.Errorf("%w: no indexer endpoint for chain %d", ErrUnknownChain, chainID)
}

func (s *GraphQLPairingSource) query(ctx context.Context, chainID uint64, query, address string, out any) error {
	endpoint, err := s.endpoint(chainID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(graphQLRequest{
		Query: query,
		Variables: map[string]any{
			"chainId": chainID,
			"address": address,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}

	_, err = resilience.Execute(ctx, s.cb, func(ctx context.Context) (struct{}, error) {
		return resilience.Retry(ctx, s.retry, func(ctx context.Context) (struct{}, error) {
			if err := s.rateLimiter.Wait(ctx); err != nil {
				return struct{}{}, resilience.Permanent(fmt.Errorf("rate limiter error: %w", err))
			}

			start := time.Now()
			err := s.post(ctx, endpoint, payload, out)
			duration := time.Since(start)

			s.health.record(err, duration)
			s.metrics.RecordFeedCall(ctx, "graphql-indexer", statusOf(err), duration)
			return struct{}{}, err
		})
	})
	if err != nil {
		s.logger.LogDebug(ctx, "indexer query failed", "chain_id", chainID, "address", address, "error", err)
	}
	return err
}

func (s *GraphQLPairingSource) post(ctx context.Context, endpoint string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: indexer request: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: indexer status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
		return err
	}

	var envelope graphQLResponse[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resilience.Permanent(fmt.Errorf("%w: decode indexer response: %v", ErrMalformedRecord, err))
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return resilience.Permanent(fmt.Errorf("%w: indexer errors: %s", ErrUpstreamUnavailable, strings.Join(msgs, "; ")))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return resilience.Permanent(fmt.Errorf("%w: indexer response has no data", ErrMalformedRecord))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return resilience.Permanent(fmt.Errorf("%w: %v", ErrMalformedRecord, err))
	}

	return nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrMalformedRecord, s)
	}
	return common.HexToAddress(s), nil
}

func parsePoolID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("%w: invalid pool id %q", ErrMalformedRecord, s)
	}
	copy(id[:], b)
	return id, nil
}
