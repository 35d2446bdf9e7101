package pricing

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Cache key namespaces. Keys are also used as in-flight dedup keys.
const (
	nsPool        = "pool"
	nsPairing     = "pairing"
	nsCoinPairing = "coin-pairing"
	nsPrice       = "price"
	nsCoinPrice   = "coin-price"
	nsNative      = "native"
)

// normalize returns the lowercase hex form used for keys and slot ordering
func normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func poolKey(chainID uint64, poolID [32]byte) string {
	return fmt.Sprintf("%s:%d:%s", nsPool, chainID, hexutil.Encode(poolID[:]))
}

func addressKey(ns string, chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%s:%d:%s", ns, chainID, normalize(addr))
}

func nativeKey(symbol string) string {
	return fmt.Sprintf("%s:%s:usd", nsNative, strings.ToLower(symbol))
}

// depthKey scopes a dedup key to a recursion depth so a pairing cycle never
// waits on its own computation.
func depthKey(key string, depth int) string {
	return fmt.Sprintf("%s#%d", key, depth)
}
