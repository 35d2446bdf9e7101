package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/token-price-engine/internal/pricing"
)

type stubPricer struct {
	token     pricing.Price
	coin      pricing.Price
	lastChain uint64
	lastAddr  common.Address
	native    *decimal.Decimal
}

func (s *stubPricer) ResolveTokenUSDPrice(ctx context.Context, token common.Address, chainID uint64, nativeUSD *decimal.Decimal) pricing.Price {
	s.lastChain, s.lastAddr, s.native = chainID, token, nativeUSD
	return s.token
}

func (s *stubPricer) ResolveCoinUSDPrice(ctx context.Context, coin common.Address, chainID uint64, nativeUSD *decimal.Decimal) pricing.Price {
	s.lastChain, s.lastAddr, s.native = chainID, coin, nativeUSD
	return s.coin
}

type stubNative struct {
	price decimal.Decimal
	err   error
}

func (s stubNative) ResolveNativeUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	return s.price, s.err
}

type stubHealth pricing.ProviderHealth

func (h stubHealth) Health() pricing.ProviderHealth { return pricing.ProviderHealth(h) }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestServer_TokenPrice(t *testing.T) {
	pricer := &stubPricer{token: pricing.ResolvedPrice(decimal.RequireFromString("1.2345"))}
	s := New(Config{Prices: pricer, Native: stubNative{}})

	rec, body := get(t, s.Handler(), "/v1/chains/8453/tokens/0x833589fcd6edb6e08f4c7c32d4f71b54bda02913/price")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["resolved"])
	assert.Equal(t, "1.2345", body["price_usd"])
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", body["address"])
	assert.Equal(t, uint64(8453), pricer.lastChain)
	assert.Nil(t, pricer.native)
}

func TestServer_UnresolvableIsOK(t *testing.T) {
	pricer := &stubPricer{coin: pricing.Unresolvable(pricing.ReasonNoPairing)}
	s := New(Config{Prices: pricer, Native: stubNative{}})

	rec, body := get(t, s.Handler(), "/v1/chains/7777777/coins/0x1111111111111111111111111111111111111111/price?native_usd=3000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["resolved"])
	assert.Equal(t, "no_pairing", body["reason"])
	assert.NotContains(t, body, "price_usd")
	require.NotNil(t, pricer.native)
	assert.True(t, pricer.native.Equal(decimal.NewFromInt(3000)))
}

func TestServer_CanceledResolution(t *testing.T) {
	pricer := &stubPricer{token: pricing.Unresolvable(pricing.ReasonCanceled)}
	s := New(Config{Prices: pricer, Native: stubNative{}})

	rec, body := get(t, s.Handler(), "/v1/chains/8453/tokens/0x833589fcd6edb6e08f4c7c32d4f71b54bda02913/price")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "request canceled", body["error"])
}

func TestServer_BadRequests(t *testing.T) {
	s := New(Config{Prices: &stubPricer{}, Native: stubNative{}})

	for _, path := range []string{
		"/v1/chains/base/tokens/0x1111111111111111111111111111111111111111/price",
		"/v1/chains/0/tokens/0x1111111111111111111111111111111111111111/price",
		"/v1/chains/8453/tokens/0x1234/price",
		"/v1/chains/8453/tokens/0x1111111111111111111111111111111111111111/price?native_usd=-1",
	} {
		rec, body := get(t, s.Handler(), path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestServer_NativePrice(t *testing.T) {
	s := New(Config{Prices: &stubPricer{}, Native: stubNative{price: decimal.RequireFromString("3012.45")}})
	rec, body := get(t, s.Handler(), "/v1/native-price")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ETH", body["symbol"])
	assert.Equal(t, "3012.45", body["price_usd"])

	s = New(Config{Prices: &stubPricer{}, Native: stubNative{err: errors.New("feed down")}})
	rec, _ = get(t, s.Handler(), "/v1/native-price")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_HealthAndReady(t *testing.T) {
	healthy := stubHealth{Provider: "coinbase", CircuitState: "closed"}
	failing := stubHealth{Provider: "graphql-indexer", CircuitState: "open", ConsecutiveFailures: 5}

	s := New(Config{Prices: &stubPricer{}, Native: stubNative{}, Providers: []pricing.HealthProvider{healthy}})
	rec, _ := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	s = New(Config{Prices: &stubPricer{}, Native: stubNative{}, Providers: []pricing.HealthProvider{healthy, failing}})
	rec, _ = get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", body["status"])
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pricer_cache_requests_total 1\n"))
	})
	s := New(Config{Prices: &stubPricer{}, Native: stubNative{}, Metrics: metrics})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricer_cache_requests_total")
}
