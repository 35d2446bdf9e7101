package blockchain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type recordingCaller struct {
	resp []byte
	err  error
	msg  ethereum.CallMsg
}

func (c *recordingCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.msg = msg
	return c.resp, c.err
}

func TestStateViewReader_GetSlot0(t *testing.T) {
	reader, err := NewStateViewReader()
	if err != nil {
		t.Fatal(err)
	}

	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	resp, err := reader.parsed.Methods["getSlot0"].Outputs.Pack(sqrt, big.NewInt(-887272), big.NewInt(0), big.NewInt(3000))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}

	caller := &recordingCaller{resp: resp}
	stateView := common.HexToAddress("0xA3c0c9b65baD0b08107Aa264b0f3dB444b867A71")
	reader.AddChain(8453, caller, stateView)

	var poolID [32]byte
	poolID[31] = 0xab

	slot0, err := reader.GetSlot0(context.Background(), 8453, poolID)
	if err != nil {
		t.Fatalf("GetSlot0 failed: %v", err)
	}

	if slot0.SqrtPriceX96.Cmp(sqrt) != 0 {
		t.Errorf("sqrtPriceX96: expected %s, got %s", sqrt, slot0.SqrtPriceX96)
	}
	if slot0.Tick != -887272 {
		t.Errorf("tick: expected -887272, got %d", slot0.Tick)
	}
	if slot0.LPFee != 3000 || slot0.ProtocolFee != 0 {
		t.Errorf("fees: got protocol=%d lp=%d", slot0.ProtocolFee, slot0.LPFee)
	}

	if caller.msg.To == nil || *caller.msg.To != stateView {
		t.Fatalf("expected call to state view, got %v", caller.msg.To)
	}
	if !bytes.Equal(caller.msg.Data[4:], poolID[:]) {
		t.Errorf("expected pool id as calldata argument")
	}
}

func TestStateViewReader_UnknownChain(t *testing.T) {
	reader, err := NewStateViewReader()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reader.GetSlot0(context.Background(), 1, [32]byte{}); err == nil {
		t.Fatal("expected error for unregistered chain")
	}
}

func TestStateViewReader_CallError(t *testing.T) {
	reader, err := NewStateViewReader()
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("rpc down")
	reader.AddChain(1, &recordingCaller{err: boom}, common.Address{})

	if _, err := reader.GetSlot0(context.Background(), 1, [32]byte{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped call error, got %v", err)
	}
}

func TestStateViewReader_MalformedResponse(t *testing.T) {
	reader, err := NewStateViewReader()
	if err != nil {
		t.Fatal(err)
	}
	reader.AddChain(1, &recordingCaller{resp: []byte{0x01, 0x02}}, common.Address{})

	if _, err := reader.GetSlot0(context.Background(), 1, [32]byte{}); err == nil {
		t.Fatal("expected unpack error for short response")
	}
}
