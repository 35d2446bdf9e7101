package config

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Chain is a resolved chain registry entry
type Chain struct {
	ID            uint64
	Name          string
	NativeSymbol  string
	WrappedNative common.Address
	StateView     common.Address // Uniswap v4 StateView lens
	IndexerURL    string
	RPCEndpoints  []RPCEndpoint
}

// builtinChains is the registry of supported chains. Config entries with the
// same id override individual fields.
var builtinChains = []ChainConfig{
	{
		ID:            1,
		Name:          "ethereum",
		NativeSymbol:  "ETH",
		WrappedNative: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		StateView:     "0x7fFE42C4a5DEeA5b0feC41C94C136Cf115597227",
		RPCEndpoints:  []RPCEndpoint{{URL: "https://eth.llamarpc.com"}},
	},
	{
		ID:            8453,
		Name:          "base",
		NativeSymbol:  "ETH",
		WrappedNative: "0x4200000000000000000000000000000000000006",
		StateView:     "0xA3c0c9b65baD0b08107Aa264b0f3dB444b867A71",
		RPCEndpoints:  []RPCEndpoint{{URL: "https://mainnet.base.org"}},
	},
	{
		ID:            10,
		Name:          "optimism",
		NativeSymbol:  "ETH",
		WrappedNative: "0x4200000000000000000000000000000000000006",
		StateView:     "0xc18a3169788F4F75A170290584ECA6395C75Ecdb",
		RPCEndpoints:  []RPCEndpoint{{URL: "https://mainnet.optimism.io"}},
	},
	{
		ID:            7777777,
		Name:          "zora",
		NativeSymbol:  "ETH",
		WrappedNative: "0x4200000000000000000000000000000000000006",
		StateView:     "0x385785Af07d63b50d0a0ea57C4FF89D06adf7328",
		RPCEndpoints:  []RPCEndpoint{{URL: "https://rpc.zora.energy"}},
	},
	{
		ID:            84532,
		Name:          "base-sepolia",
		NativeSymbol:  "ETH",
		WrappedNative: "0x4200000000000000000000000000000000000006",
		StateView:     "0x571291b572ed32ce6751a2Cb2486EbEe8DEfB9B4",
		RPCEndpoints:  []RPCEndpoint{{URL: "https://sepolia.base.org"}},
	},
}

// ChainRegistry maps chain ids to chain metadata. It is immutable after construction.
type ChainRegistry struct {
	chains map[uint64]Chain
}

// NewChainRegistry merges overrides into the built-in chains
func NewChainRegistry(overrides []ChainConfig) (*ChainRegistry, error) {
	merged := make(map[uint64]ChainConfig, len(builtinChains)+len(overrides))
	for _, c := range builtinChains {
		merged[c.ID] = c
	}

	for _, o := range overrides {
		base := merged[o.ID]
		base.ID = o.ID
		if o.Name != "" {
			base.Name = o.Name
		}
		if o.NativeSymbol != "" {
			base.NativeSymbol = o.NativeSymbol
		}
		if o.WrappedNative != "" {
			base.WrappedNative = o.WrappedNative
		}
		if o.StateView != "" {
			base.StateView = o.StateView
		}
		if o.IndexerURL != "" {
			base.IndexerURL = o.IndexerURL
		}
		if len(o.RPCEndpoints) > 0 {
			base.RPCEndpoints = o.RPCEndpoints
		}
		merged[o.ID] = base
	}

	chains := make(map[uint64]Chain, len(merged))
	for id, c := range merged {
		if !common.IsHexAddress(c.WrappedNative) {
			return nil, fmt.Errorf("chain %d: invalid wrapped native address %q", id, c.WrappedNative)
		}
		if c.StateView != "" && !common.IsHexAddress(c.StateView) {
			return nil, fmt.Errorf("chain %d: invalid state view address %q", id, c.StateView)
		}
		if c.NativeSymbol == "" {
			c.NativeSymbol = "ETH"
		}

		chains[id] = Chain{
			ID:            id,
			Name:          c.Name,
			NativeSymbol:  c.NativeSymbol,
			WrappedNative: common.HexToAddress(c.WrappedNative),
			StateView:     common.HexToAddress(c.StateView),
			IndexerURL:    c.IndexerURL,
			RPCEndpoints:  c.RPCEndpoints,
		}
	}

	return &ChainRegistry{chains: chains}, nil
}

// Get returns the chain for id
func (r *ChainRegistry) Get(id uint64) (Chain, bool) {
	c, ok := r.chains[id]
	return c, ok
}

// WrappedNative returns the wrapped native asset address for a chain
func (r *ChainRegistry) WrappedNative(id uint64) (common.Address, bool) {
	c, ok := r.chains[id]
	if !ok {
		return common.Address{}, false
	}
	return c.WrappedNative, true
}

// IDs returns all registered chain ids in ascending order
func (r *ChainRegistry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
