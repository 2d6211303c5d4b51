package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// Error is an error object returned by a node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Name is rippled's symbolic error (e.g. "actNotFound").
	Name string `json:"-"`
}

func (e *Error) Error() string {
	if e.Name != "" && e.Name != e.Message {
		return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Name, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPError is returned for non-JSON responses with a failing status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

// fatalCodes are JSON-RPC errors caused by the request itself; repeating the
// request cannot succeed.
var fatalCodes = map[int]bool{
	-32700: true, // parse error
	-32600: true, // invalid request
	-32601: true, // method not found
	-32602: true, // invalid params
	-5:     true, // bitcoind: invalid address or key
	-6:     true, // bitcoind: insufficient funds
	-8:     true, // bitcoind: invalid parameter
	-3:     true, // bitcoind: type error
}

// fatalMessages match node errors that depend on the payment itself.
var fatalMessages = []string{
	"insufficient funds",
	"invalid address",
	"invalid amount",
	"unknown account",
	"actnotfound",
	"actmalformed",
	"nonce too low",
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) && fatalCodes[rpcErr.Code] {
		return ActionFatal
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 400, 401, 404, 405:
			return ActionFatal
		}
	}

	sLower := strings.ToLower(err.Error())
	for _, m := range fatalMessages {
		if strings.Contains(sLower, m) {
			return ActionFatal
		}
	}

	// Default to Retry (network, 5xx, rate limit, etc)
	return ActionRetry
}
