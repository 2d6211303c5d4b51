// Package rpc provides the JSON-RPC over HTTP client used to talk to node
// wallets (geth-style, bitcoind, rippled).
//
// # Quick Start
//
//	client := rpc.NewHTTPClient("bitcoind", url, rpc.DialectJSONRPC10, 30*time.Second)
//
//	var height uint64
//	err := client.CallInto(ctx, "getblockcount", nil, &height)
//
// Errors returned by the node are *rpc.Error values; ClassifyError maps any
// error to an ErrorAction so callers can decide whether a retry makes sense.
package rpc

// Dialect selects the request envelope expected by a node.
type Dialect int

const (
	// DialectJSONRPC20 sends {"jsonrpc":"2.0","method","params","id"}.
	DialectJSONRPC20 Dialect = iota
	// DialectJSONRPC10 omits the version field (bitcoind).
	DialectJSONRPC10
	// DialectRippled sends {"method","params":[{...}]} and reports errors
	// inside the result object.
	DialectRippled
)

func (d Dialect) String() string {
	switch d {
	case DialectJSONRPC10:
		return "1.0"
	case DialectRippled:
		return "rippled"
	default:
		return "2.0"
	}
}
