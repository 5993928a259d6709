package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// CodeInvalidParams is the JSON-RPC code for a malformed request such as a bad signature.
const CodeInvalidParams = -32602

const maxRateLimitRetries = 3

// ErrUnavailable wraps transport failures, timeouts and unexpected HTTP statuses.
var ErrUnavailable = errors.New("ledger rpc unavailable")

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// Client is the read-only ledger surface used by payment verification.
type Client interface {
	// GetTransaction returns nil, nil when the node does not know the signature.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// Options configures RPCClient.
type Options struct {
	Endpoint   string
	Commitment string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// RPCClient calls a Solana-compatible JSON-RPC endpoint.
type RPCClient struct {
	endpoint   string
	commitment string
	http       *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	nextID     atomic.Int64
}

// NewRPCClient constructs a client. Outbound requests are traced through otelhttp
// and throttled by a token bucket when RPS is positive.
func NewRPCClient(opts Options) *RPCClient {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	commitment := strings.TrimSpace(opts.Commitment)
	if commitment == "" {
		commitment = "confirmed"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &RPCClient{
		endpoint:   opts.Endpoint,
		commitment: commitment,
		http:       client,
		logger:     logger.With("component", "ledger"),
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c
}

// GetTransaction fetches a transaction by signature at the configured commitment.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	params := []any{
		signature,
		map[string]any{
			"encoding":                       "json",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}
	var result *rpcTransaction
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.toTransaction(), nil
}

// GetBalance returns the lamport balance of address.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []any{address, map[string]string{"commitment": c.commitment}}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
		}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	resp, err := c.do(ctx, payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s status %d: %s", ErrUnavailable, method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrUnavailable, method, err)
	}
	return nil
}

// do posts payload, honouring Retry-After on 429 a bounded number of times.
func (c *RPCClient) do(ctx context.Context, payload []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxRateLimitRetries {
			return resp, nil
		}
		delay, ok := retryAfterDelay(resp.Header.Get("Retry-After"))
		if !ok {
			return resp, nil
		}
		resp.Body.Close()
		c.logger.Warn("ledger rpc rate limited", "retry_after", delay, "attempt", attempt+1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func retryAfterDelay(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0), true
	}
	return 0, false
}
