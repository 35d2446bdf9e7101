package pricing

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/token-price-engine/internal/platform/cache"
)

var errRPC = errors.New("rpc unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSource is an in-memory PairingSource. gate, when set, blocks token
// lookups until closed.
type fakeSource struct {
	mu         sync.Mutex
	tokens     map[common.Address]*PairingRecord
	coins      map[common.Address]*CoinPairingRecord
	err        error
	gate       chan struct{}
	tokenCalls atomic.Int64
	coinCalls  atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tokens: make(map[common.Address]*PairingRecord),
		coins:  make(map[common.Address]*CoinPairingRecord),
	}
}

func (s *fakeSource) pair(token, paired common.Address, poolID [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &PairingRecord{PairedToken: paired, PoolID: poolID}
}

func (s *fakeSource) PairingForToken(ctx context.Context, token common.Address, chainID uint64) (*PairingRecord, error) {
	s.tokenCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.tokens[token], nil
}

func (s *fakeSource) PairingForCoin(ctx context.Context, coin common.Address, chainID uint64) (*CoinPairingRecord, error) {
	s.coinCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.coins[coin], nil
}

func (s *fakeSource) Close() error { return nil }

// fakeSlot0 serves pool states by id
type fakeSlot0 struct {
	mu    sync.Mutex
	pools map[[32]byte]*big.Int
	err   error
	gate  chan struct{}
	calls atomic.Int64
}

func newFakeSlot0() *fakeSlot0 {
	return &fakeSlot0{pools: make(map[[32]byte]*big.Int)}
}

func (f *fakeSlot0) set(poolID [32]byte, sqrtPriceX96 *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[poolID] = sqrtPriceX96
}

func (f *fakeSlot0) GetSlot0(ctx context.Context, chainID uint64, poolID [32]byte) (*PoolState, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sqrt, ok := f.pools[poolID]
	if !ok {
		return nil, errors.New("pool not initialized")
	}
	return &PoolState{SqrtPriceX96: sqrt, Tick: 0, LPFee: 3000}, nil
}

type fakeNative struct {
	price decimal.Decimal
	err   error
	calls atomic.Int64
}

func (f *fakeNative) ResolveNativeUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	f.calls.Add(1)
	return f.price, f.err
}

type fakeChains map[uint64]common.Address

func (c fakeChains) WrappedNative(chainID uint64) (common.Address, bool) {
	a, ok := c[chainID]
	return a, ok
}

// memStore is a cache.SharedStore backed by a map
type memStore struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
	setErr error
	sets   atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}

func (m *memStore) SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error {
	m.sets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) putEnvelope(key, value string, storedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = `{"value":"` + value + `","stored_at":"` + storedAt.Format(time.RFC3339Nano) + `"}`
}

func addr(b byte) common.Address {
	var a common.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func pool(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

// q96 returns n * 2^96, the sqrtPriceX96 of price n^2
func q96(n int64) *big.Int {
	return new(big.Int).Lsh(big.NewInt(n), 96)
}
