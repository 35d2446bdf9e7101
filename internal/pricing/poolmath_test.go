package pricing

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPriceFromSqrtPriceX96(t *testing.T) {
	tests := []struct {
		name     string
		sqrt     *big.Int
		isToken0 bool
		want     string
		reason   Reason
	}{
		{name: "unity-token0", sqrt: q96(1), isToken0: true, want: "1"},
		{name: "unity-token1", sqrt: q96(1), isToken0: false, want: "1"},
		{name: "four-token0", sqrt: q96(2), isToken0: true, want: "4"},
		{name: "four-token1", sqrt: q96(2), isToken0: false, want: "0.25"},
		{name: "quarter-token0", sqrt: new(big.Int).Rsh(q96(1), 1), isToken0: true, want: "0.25"},
		{name: "zero-token0", sqrt: big.NewInt(0), isToken0: true, want: "0"},
		{name: "zero-token1", sqrt: big.NewInt(0), isToken0: false, reason: ReasonZeroRatio},
		{name: "nil", sqrt: nil, isToken0: true, reason: ReasonZeroRatio},
		{name: "negative", sqrt: big.NewInt(-1), isToken0: true, reason: ReasonZeroRatio},
		{name: "integer-part-over-2^53", sqrt: new(big.Int).Lsh(big.NewInt(1), 123), isToken0: true, reason: ReasonOverflow},
		{name: "large-inverted-ok", sqrt: new(big.Int).Lsh(big.NewInt(1), 123), isToken0: false, want: "0.000000000000000055"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := PriceFromSqrtPriceX96(tt.sqrt, tt.isToken0)
			assert.Equal(t, tt.reason, reason)
			if tt.reason != ReasonNone {
				return
			}
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestPriceFromSqrtPriceX96_TruncatesFraction(t *testing.T) {
	// sqrt(2) * 2^96 rounded down; the ratio is just under 2 at 18 decimals
	sqrt, _ := new(big.Int).SetString("112045541949572279837463876454", 10)

	got, reason := PriceFromSqrtPriceX96(sqrt, true)
	assert.Equal(t, ReasonNone, reason)
	assert.True(t, got.LessThanOrEqual(decimal.NewFromInt(2)))
	assert.True(t, got.GreaterThan(decimal.RequireFromString("1.999999999999")))
	assert.LessOrEqual(t, -got.Exponent(), int32(18))
}

func TestPriceFromSqrtPriceX96_Pure(t *testing.T) {
	in := q96(3)
	before := new(big.Int).Set(in)

	_, _ = PriceFromSqrtPriceX96(in, false)
	assert.Equal(t, 0, in.Cmp(before))
}
