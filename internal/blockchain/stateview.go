package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Uniswap v4 StateView lens, getSlot0 only
const stateViewABI = `[
	{
		"inputs": [
			{"internalType": "PoolId", "name": "poolId", "type": "bytes32"}
		],
		"name": "getSlot0",
		"outputs": [
			{"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
			{"internalType": "int24", "name": "tick", "type": "int24"},
			{"internalType": "uint24", "name": "protocolFee", "type": "uint24"},
			{"internalType": "uint24", "name": "lpFee", "type": "uint24"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Slot0 is the raw getSlot0 result
type Slot0 struct {
	SqrtPriceX96 *big.Int
	Tick         int32
	ProtocolFee  uint32
	LPFee        uint32
}

// ContractCaller performs eth_call. ClientPool implements it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// StateViewReader reads v4 pool state through a chain's StateView contract
type StateViewReader struct {
	parsed abi.ABI
	pools  map[uint64]stateViewTarget
}

type stateViewTarget struct {
	caller  ContractCaller
	address common.Address
}

// NewStateViewReader creates an empty reader; register chains with AddChain
func NewStateViewReader() (*StateViewReader, error) {
	parsed, err := abi.JSON(strings.NewReader(stateViewABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse state view ABI: %w", err)
	}
	return &StateViewReader{
		parsed: parsed,
		pools:  make(map[uint64]stateViewTarget),
	}, nil
}

// AddChain registers the caller and StateView address for a chain.
// Not safe for use concurrently with GetSlot0.
func (r *StateViewReader) AddChain(chainID uint64, caller ContractCaller, stateView common.Address) {
	r.pools[chainID] = stateViewTarget{caller: caller, address: stateView}
}

// GetSlot0 calls StateView.getSlot0(poolId) at the latest block
func (r *StateViewReader) GetSlot0(ctx context.Context, chainID uint64, poolID [32]byte) (*Slot0, error) {
	target, ok := r.pools[chainID]
	if !ok {
		return nil, fmt.Errorf("no state view configured for chain %d", chainID)
	}

	data, err := r.parsed.Pack("getSlot0", poolID)
	if err != nil {
		return nil, fmt.Errorf("pack getSlot0: %w", err)
	}

	to := target.address
	resp, err := target.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getSlot0: %w", err)
	}

	values, err := r.parsed.Unpack("getSlot0", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack getSlot0: %w", err)
	}

	return decodeSlot0(values)
}

// decodeSlot0 converts unpacked values. Non-standard widths (uint160,
// int24, uint24) unpack as *big.Int.
func decodeSlot0(values []interface{}) (*Slot0, error) {
	if len(values) != 4 {
		return nil, fmt.Errorf("getSlot0: expected 4 values, got %d", len(values))
	}

	ints := make([]*big.Int, 4)
	for i, v := range values {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("getSlot0: value %d has unexpected type %T", i, v)
		}
		ints[i] = b
	}

	if !ints[1].IsInt64() || !ints[2].IsUint64() || !ints[3].IsUint64() {
		return nil, fmt.Errorf("getSlot0: field out of range")
	}

	return &Slot0{
		SqrtPriceX96: ints[0],
		Tick:         int32(ints[1].Int64()),
		ProtocolFee:  uint32(ints[2].Uint64()),
		LPFee:        uint32(ints[3].Uint64()),
	}, nil
}
