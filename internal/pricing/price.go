// Package pricing resolves token USD prices by walking liquidity-pool
// pairings down to a chain's wrapped native asset.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUpstreamUnavailable wraps failures of the price feed, indexer or RPC
	ErrUpstreamUnavailable = errors.New("pricing: upstream unavailable")

	// ErrMalformedFeed is returned when the price feed body cannot be used
	ErrMalformedFeed = errors.New("pricing: malformed price feed response")

	// ErrMalformedRecord is returned when the indexer returns an unparsable record
	ErrMalformedRecord = errors.New("pricing: malformed pairing record")

	// ErrUnknownChain is returned for chain ids missing from the registry
	ErrUnknownChain = errors.New("pricing: unknown chain")
)

// Reason explains why a price is unresolvable
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoPairing        Reason = "no_pairing"
	ReasonZeroRatio        Reason = "zero_ratio"
	ReasonDepthExceeded    Reason = "depth_exceeded"
	ReasonOverflow         Reason = "overflow"
	ReasonIncompleteRecord Reason = "incomplete_record"
	ReasonUnknownChain     Reason = "unknown_chain"
	ReasonUpstream         Reason = "upstream"
	// ReasonCanceled is returned to a caller that stopped waiting. Never cached.
	ReasonCanceled         Reason = "canceled"
)

// Price is a USD price or an unresolvable marker. Unresolvable is a value,
// not an error.
type Price struct {
	Value    decimal.Decimal
	Resolved bool
	Reason   Reason
}

// ResolvedPrice returns a resolved price
func ResolvedPrice(v decimal.Decimal) Price {
	return Price{Value: v, Resolved: true}
}

// Unresolvable returns an unresolvable price
func Unresolvable(reason Reason) Price {
	return Price{Reason: reason}
}

// Float64 returns the value as float64 and whether the price is resolved
func (p Price) Float64() (float64, bool) {
	if !p.Resolved {
		return 0, false
	}
	f, _ := p.Value.Float64()
	return f, true
}

func (p Price) String() string {
	if !p.Resolved {
		return "unresolvable(" + string(p.Reason) + ")"
	}
	return p.Value.String()
}
