package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/settler/internal/metrics"
)

// Caller is the subset of HTTPClient that settlement backends depend on.
type Caller interface {
	CallInto(ctx context.Context, method string, params any, out any) error
}

// HTTPClient makes JSON-RPC calls over HTTP.
type HTTPClient struct {
	name       string
	endpoint   string
	dialect    Dialect
	httpClient *http.Client
	nextID     atomic.Uint64

	mu           sync.RWMutex
	successCount int
	failureCount int
	lastSuccess  time.Time
	lastFailure  time.Time

	Monitor *Monitor
}

// NewHTTPClient creates a client for a single node endpoint.
func NewHTTPClient(name, endpoint string, dialect Dialect, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		name:     name,
		endpoint: endpoint,
		dialect:  dialect,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Monitor: NewMonitor(),
	}
}

// Call performs a single call and returns the raw result.
func (c *HTTPClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(c.name, method).Inc()

	result, err := c.call(ctx, method, params)
	latency := time.Since(start)
	metrics.RPCLatency.WithLabelValues(c.name, method).Observe(latency.Seconds())

	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(c.name, method).Inc()
		c.recordFailure()
		return nil, err
	}

	c.Monitor.RecordRequest(latency)
	c.recordSuccess()
	return result, nil
}

// CallInto performs a call and decodes the result into out.
func (c *HTTPClient) CallInto(ctx context.Context, method string, params any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// Pre-call checks
	if wait := c.Monitor.RetryAfter(); wait > 0 {
		return nil, fmt.Errorf("provider throttled, retry after: %v", wait)
	}

	jsonData, err := json.Marshal(c.envelope(method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	// Rate limit detection
	if resp.StatusCode == http.StatusTooManyRequests {
		c.Monitor.RecordThrottle(resp.StatusCode)
		return nil, fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// bitcoind answers RPC errors with HTTP 500 and a JSON body, so only
	// give up on the body when it is not JSON.
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			if c.Monitor.DetectThrottlePattern(string(body)) {
				c.Monitor.RecordThrottle(resp.StatusCode)
				return nil, fmt.Errorf("throttle detected in response: %s", string(body))
			}
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if rpcResp.Error != nil {
		if c.Monitor.DetectThrottlePattern(rpcResp.Error.Message) {
			c.Monitor.RecordThrottle(http.StatusTooManyRequests)
		}
		return nil, rpcResp.Error
	}

	if c.dialect == DialectRippled {
		if err := rippledError(rpcResp.Result); err != nil {
			return nil, err
		}
	}

	return rpcResp.Result, nil
}

func (c *HTTPClient) envelope(method string, params any) map[string]any {
	switch c.dialect {
	case DialectRippled:
		if params == nil {
			params = map[string]any{}
		}
		return map[string]any{
			"method": method,
			"params": []any{params},
		}
	case DialectJSONRPC10:
		if params == nil {
			params = []any{}
		}
		return map[string]any{
			"method": method,
			"params": params,
			"id":     c.nextID.Add(1),
		}
	default:
		if params == nil {
			params = []any{}
		}
		return map[string]any{
			"jsonrpc": "2.0",
			"method":  method,
			"params":  params,
			"id":      c.nextID.Add(1),
		}
	}
}

// rippled reports failures as {"result":{"status":"error","error":"...",...}}.
func rippledError(result json.RawMessage) error {
	var status struct {
		Status       string `json:"status"`
		Error        string `json:"error"`
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return nil
	}
	if status.Status != "error" {
		return nil
	}
	msg := status.ErrorMessage
	if msg == "" {
		msg = status.Error
	}
	return &Error{Code: status.ErrorCode, Message: msg, Name: status.Error}
}

// Name returns the configured provider name.
func (c *HTTPClient) Name() string {
	return c.name
}

// ErrorRate is the share of failed calls since start.
func (c *HTTPClient) ErrorRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.successCount + c.failureCount
	if total == 0 {
		return 0
	}
	return float64(c.failureCount) / float64(total)
}

// Close cleans up resources.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.lastSuccess = time.Now()
}

func (c *HTTPClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastFailure = time.Now()
}
