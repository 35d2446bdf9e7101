// Package server exposes the price engine and its health over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
	"github.com/agatticelli/token-price-engine/internal/pricing"
)

// TokenPricer resolves token and coin USD prices
type TokenPricer interface {
	ResolveTokenUSDPrice(ctx context.Context, token common.Address, chainID uint64, nativeUSD *decimal.Decimal) pricing.Price
	ResolveCoinUSDPrice(ctx context.Context, coin common.Address, chainID uint64, nativeUSD *decimal.Decimal) pricing.Price
}

// Server serves price lookups, health probes and metrics
type Server struct {
	server    *http.Server
	logger    *observability.Logger
	prices    TokenPricer
	native    pricing.NativePricer
	symbol    string
	providers []pricing.HealthProvider
}

// Config holds server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Prices       TokenPricer
	Native       pricing.NativePricer
	NativeSymbol string
	Providers    []pricing.HealthProvider
	Metrics      http.Handler // optional
	Logger       *observability.Logger
}

type priceResponse struct {
	ChainID  uint64 `json:"chain_id"`
	Address  string `json:"address"`
	Resolved bool   `json:"resolved"`
	PriceUSD string `json:"price_usd,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type nativeResponse struct {
	Symbol   string `json:"symbol"`
	PriceUSD string `json:"price_usd"`
}

type providerStatus struct {
	Provider            string    `json:"provider"`
	Target              string    `json:"target,omitempty"`
	Healthy             bool      `json:"healthy"`
	CircuitState        string    `json:"circuit_state,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Providers []providerStatus `json:"providers,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}

	s := &Server{
		logger:    cfg.Logger,
		prices:    cfg.Prices,
		native:    cfg.Native,
		symbol:    cfg.NativeSymbol,
		providers: cfg.Providers,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/native-price", s.handleNativePrice)
		r.Get("/chains/{chainID}/tokens/{address}/price", s.handlePrice(false))
		r.Get("/chains/{chainID}/coins/{address}/price", s.handlePrice(true))
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Providers: s.providerStatuses()}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady fails while any upstream is failing or has its breaker open
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	statuses := s.providerStatuses()
	for _, p := range statuses {
		if !p.Healthy {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Providers: statuses})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Providers: statuses})
}

func (s *Server) providerStatuses() []providerStatus {
	statuses := make([]providerStatus, 0, len(s.providers))
	for _, p := range s.providers {
		h := p.Health()
		statuses = append(statuses, providerStatus{
			Provider:            h.Provider,
			Target:              h.Target,
			Healthy:             h.Healthy(),
			CircuitState:        h.CircuitState,
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastSuccess:         h.LastSuccess,
			LastError:           h.LastError,
		})
	}
	return statuses
}

func (s *Server) handleNativePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.native.ResolveNativeUSDPrice(r.Context())
	if err != nil {
		s.logger.LogError(r.Context(), "native price request failed", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "native price unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, nativeResponse{Symbol: s.symbol, PriceUSD: price.String()})
}

// handlePrice serves token or coin prices. Unresolvable prices are a 200
// with resolved=false; the optional native_usd query overrides the native price
// for this request only.
func (s *Server) handlePrice(coin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID, err := strconv.ParseUint(chi.URLParam(r, "chainID"), 10, 64)
		if err != nil || chainID == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid chain id"})
			return
		}

		raw := chi.URLParam(r, "address")
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid address"})
			return
		}
		address := common.HexToAddress(raw)

		var nativeUSD *decimal.Decimal
		if q := r.URL.Query().Get("native_usd"); q != "" {
			v, err := decimal.NewFromString(q)
			if err != nil || !v.IsPositive() {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid native_usd"})
				return
			}
			nativeUSD = &v
		}

		var price pricing.Price
		if coin {
			price = s.prices.ResolveCoinUSDPrice(r.Context(), address, chainID, nativeUSD)
		} else {
			price = s.prices.ResolveTokenUSDPrice(r.Context(), address, chainID, nativeUSD)
		}

		if price.Reason == pricing.ReasonCanceled {
			writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "request canceled"})
			return
		}

		resp := priceResponse{
			ChainID:  chainID,
			Address:  address.Hex(),
			Resolved: price.Resolved,
			Reason:   string(price.Reason),
		}
		if price.Resolved {
			resp.PriceUSD = price.Value.String()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
