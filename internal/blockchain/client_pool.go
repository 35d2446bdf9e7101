package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// ErrNoHealthyEndpoint is returned when every endpoint of a chain is down
var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoints available")

// RPCClient is the subset of ethclient.Client the engine uses
type RPCClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a client for an endpoint URL
type Dialer func(ctx context.Context, url string) (RPCClient, error)

// DialEthclient is the production Dialer
func DialEthclient(ctx context.Context, url string) (RPCClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// endpoint is one JSON-RPC endpoint of a chain
type endpoint struct {
	url     string
	mu      sync.Mutex // guards client
	client  RPCClient
	healthy atomic.Bool
}

func (e *endpoint) getClient() RPCClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *endpoint) setClient(c RPCClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = c
}

// ClientPool manages the RPC endpoints of one chain with health tracking,
// round-robin failover and a cap on concurrent calls.
type ClientPool struct {
	chainID        uint64
	endpoints      []*endpoint
	dial           Dialer
	sem            *semaphore.Weighted
	callTimeout    time.Duration
	healthCheckTTL time.Duration
	logger         *observability.Logger
	metrics        *observability.Metrics

	mu      sync.Mutex
	current int
	cancel  context.CancelFunc
}

// ClientPoolConfig holds client pool configuration
type ClientPoolConfig struct {
	ChainID            uint64
	Endpoints          []EndpointConfig
	MaxConcurrentCalls int64
	CallTimeout        time.Duration
	HealthCheckTTL     time.Duration
	Dialer             Dialer
	Logger             *observability.Logger
	Metrics            *observability.Metrics
}

// EndpointConfig represents endpoint configuration
type EndpointConfig struct {
	URL string
}

// NewClientPool dials every endpoint. Endpoints that fail to dial start
// unhealthy and are retried by the health checker; at least one must succeed.
func NewClientPool(ctx context.Context, cfg ClientPoolConfig) (*ClientPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("chain %d: at least one RPC endpoint is required", cfg.ChainID)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialEthclient
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 16
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.HealthCheckTTL <= 0 {
		cfg.HealthCheckTTL = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	pool := &ClientPool{
		chainID:        cfg.ChainID,
		dial:           cfg.Dialer,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		callTimeout:    cfg.CallTimeout,
		healthCheckTTL: cfg.HealthCheckTTL,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}

	for _, epCfg := range cfg.Endpoints {
		ep := &endpoint{url: epCfg.URL}

		client, err := cfg.Dialer(ctx, epCfg.URL)
		if err != nil {
			cfg.Logger.LogWarnErr(ctx, "failed to connect to RPC endpoint", err,
				"chain_id", cfg.ChainID,
				"url", epCfg.URL,
			)
		} else {
			ep.client = client
			ep.healthy.Store(true)
		}
		pool.endpoints = append(pool.endpoints, ep)
	}

	if pool.HealthyCount() == 0 {
		return nil, fmt.Errorf("chain %d: %w", cfg.ChainID, ErrNoHealthyEndpoint)
	}

	return pool, nil
}

// ChainID returns the chain this pool serves
func (cp *ClientPool) ChainID() uint64 {
	return cp.chainID
}

// StartHealthChecks runs periodic health checks until Close is called
func (cp *ClientPool) StartHealthChecks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	cp.mu.Lock()
	cp.cancel = cancel
	cp.mu.Unlock()

	go func() {
		ticker := time.NewTicker(cp.healthCheckTTL)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cp.CheckEndpoints(ctx)
			}
		}
	}()
}

// CallContract performs an eth_call, failing over across healthy endpoints.
// JSON-RPC errors (reverts, bad params) are returned without failover.
func (cp *ClientPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := cp.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer cp.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < len(cp.endpoints); attempt++ {
		ep, err := cp.next()
		if err != nil {
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cp.callTimeout)
		out, err := ep.getClient().CallContract(callCtx, msg, blockNumber)
		cancel()
		if err == nil {
			return out, nil
		}

		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		cp.MarkUnhealthy(ctx, ep.url, err)
	}

	if lastErr == nil {
		lastErr = ErrNoHealthyEndpoint
	}
	return nil, fmt.Errorf("chain %d: eth_call failed: %w", cp.chainID, lastErr)
}

// next returns the next healthy endpoint in round-robin order
func (cp *ClientPool) next() (*endpoint, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for i := 0; i < len(cp.endpoints); i++ {
		ep := cp.endpoints[cp.current]
		cp.current = (cp.current + 1) % len(cp.endpoints)

		if ep.healthy.Load() && ep.getClient() != nil {
			return ep, nil
		}
	}

	return nil, ErrNoHealthyEndpoint
}

// MarkUnhealthy takes an endpoint out of rotation until the next health check passes
func (cp *ClientPool) MarkUnhealthy(ctx context.Context, url string, cause error) {
	for _, ep := range cp.endpoints {
		if ep.url != url {
			continue
		}
		if ep.healthy.Swap(false) {
			cp.logger.LogWarnErr(ctx, "marking RPC endpoint as unhealthy", cause,
				"chain_id", cp.chainID,
				"url", url,
			)
			cp.metrics.RecordRPCEndpointHealth(ctx, cp.chainID, url, false)
		}
		return
	}
}

// CheckEndpoints probes every endpoint with eth_blockNumber, redialling
// endpoints that have no client.
func (cp *ClientPool) CheckEndpoints(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, cp.callTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, ep := range cp.endpoints {
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			cp.checkEndpoint(checkCtx, ep)
		}(ep)
	}
	wg.Wait()
}

func (cp *ClientPool) checkEndpoint(ctx context.Context, ep *endpoint) {
	client := ep.getClient()
	if client == nil {
		c, err := cp.dial(ctx, ep.url)
		if err != nil {
			ep.healthy.Store(false)
			cp.metrics.RecordRPCEndpointHealth(ctx, cp.chainID, ep.url, false)
			return
		}
		ep.setClient(c)
		client = c
	}

	if _, err := client.BlockNumber(ctx); err != nil {
		// our own deadline expiring says nothing about the endpoint
		if ctx.Err() != nil {
			cp.logger.LogDebug(ctx, "RPC health check timed out", "chain_id", cp.chainID, "url", ep.url)
			return
		}
		cp.MarkUnhealthy(ctx, ep.url, err)
		return
	}

	if !ep.healthy.Swap(true) {
		cp.logger.LogInfo(ctx, "RPC endpoint is healthy again", "chain_id", cp.chainID, "url", ep.url)
	}
	cp.metrics.RecordRPCEndpointHealth(ctx, cp.chainID, ep.url, true)
}

// HealthyCount returns the number of healthy endpoints
func (cp *ClientPool) HealthyCount() int {
	count := 0
	for _, ep := range cp.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// EndpointStatus returns health per endpoint URL
func (cp *ClientPool) EndpointStatus() map[string]bool {
	status := make(map[string]bool, len(cp.endpoints))
	for _, ep := range cp.endpoints {
		status[ep.url] = ep.healthy.Load()
	}
	return status
}

// Close stops health checks and closes all clients
func (cp *ClientPool) Close() {
	cp.mu.Lock()
	if cp.cancel != nil {
		cp.cancel()
	}
	cp.mu.Unlock()

	for _, ep := range cp.endpoints {
		if c := ep.getClient(); c != nil {
			c.Close()
		}
	}
}

// Pools holds one ClientPool per chain
type Pools struct {
	pools map[uint64]*ClientPool
}

// NewPools indexes pools by chain id
func NewPools(pools ...*ClientPool) *Pools {
	m := make(map[uint64]*ClientPool, len(pools))
	for _, p := range pools {
		m[p.ChainID()] = p
	}
	return &Pools{pools: m}
}

// Get returns the pool for a chain
func (p *Pools) Get(chainID uint64) (*ClientPool, bool) {
	pool, ok := p.pools[chainID]
	return pool, ok
}

// Close closes every pool
func (p *Pools) Close() {
	for _, pool := range p.pools {
		pool.Close()
	}
}
