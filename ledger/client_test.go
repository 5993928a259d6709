package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleTransaction = `{
  "jsonrpc": "2.0",
  "id": 1,
  "result": {
    "slot": 42,
    "blockTime": 1714560000,
    "transaction": {"message": {"accountKeys": ["Sender1", "Treasury1", "11111111111111111111111111111111"]}},
    "meta": {
      "err": null,
      "preBalances": [5000000000, 1000000000, 1],
      "postBalances": [4899995000, 1100000000, 1],
      "preTokenBalances": [
        {"accountIndex": 3, "mint": "MintA", "owner": "Sender1", "uiTokenAmount": {"amount": "1000", "decimals": 0, "uiAmount": 1000, "uiAmountString": "1000"}}
      ],
      "postTokenBalances": [
        {"accountIndex": 3, "mint": "MintA", "owner": "Sender1", "uiTokenAmount": {"amount": "0", "decimals": 0, "uiAmount": null, "uiAmountString": "0"}}
      ],
      "loadedAddresses": {"writable": ["LoadedW"], "readonly": ["LoadedR"]}
    }
  }
}`

func rpcServer(t *testing.T, handler func(t *testing.T, req map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		status, body := handler(t, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTransactionDecodesAccountsAndBalances(t *testing.T) {
	srv := rpcServer(t, func(t *testing.T, req map[string]any) (int, string) {
		require.Equal(t, "getTransaction", req["method"])
		params := req["params"].([]any)
		require.Equal(t, "sig1", params[0])
		opts := params[1].(map[string]any)
		require.Equal(t, "confirmed", opts["commitment"])
		require.Equal(t, "json", opts["encoding"])
		require.EqualValues(t, 0, opts["maxSupportedTransactionVersion"])
		return http.StatusOK, sampleTransaction
	})

	client := NewRPCClient(Options{Endpoint: srv.URL})
	tx, err := client.GetTransaction(context.Background(), "sig1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, []string{"Sender1", "Treasury1", "11111111111111111111111111111111", "LoadedW", "LoadedR"}, tx.AccountKeys)
	require.Equal(t, 1, tx.IndexOf("Treasury1"))
	require.Equal(t, 3, tx.IndexOf("LoadedW"))
	require.Equal(t, -1, tx.IndexOf("missing"))
	require.False(t, tx.Meta.Failed())
	require.Equal(t, uint64(1100000000), tx.Meta.PostBalances[1])
	require.Equal(t, 1000.0, tx.Meta.PreTokenBalances[0].UITokenAmount.Value())
	require.Equal(t, 0.0, tx.Meta.PostTokenBalances[0].UITokenAmount.Value())
}

func TestGetTransactionNotFound(t *testing.T) {
	srv := rpcServer(t, func(*testing.T, map[string]any) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":null}`
	})
	tx, err := NewRPCClient(Options{Endpoint: srv.URL}).GetTransaction(context.Background(), "sig")
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestRPCErrorIsTyped(t *testing.T) {
	srv := rpcServer(t, func(*testing.T, map[string]any) (int, string) {
		return http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param: WrongSize"}}`
	})
	_, err := NewRPCClient(Options{Endpoint: srv.URL}).GetTransaction(context.Background(), "bad")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
	require.False(t, errors.Is(err, ErrUnavailable))
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := rpcServer(t, func(*testing.T, map[string]any) (int, string) {
		return http.StatusBadGateway, "upstream down"
	})
	_, err := NewRPCClient(Options{Endpoint: srv.URL}).GetBalance(context.Background(), "Treasury1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewRPCClient(Options{Endpoint: srv.URL}).GetTransaction(ctx, "sig")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":2500000000}}`))
	}))
	t.Cleanup(srv.Close)

	balance, err := NewRPCClient(Options{Endpoint: srv.URL}).GetBalance(context.Background(), "Treasury1")
	require.NoError(t, err)
	require.Equal(t, uint64(2500000000), balance)
	require.Equal(t, int32(2), calls.Load())
}

func TestRetryAfterDelay(t *testing.T) {
	d, ok := retryAfterDelay("1.5")
	require.True(t, ok)
	require.Equal(t, 1500*time.Millisecond, d)
	_, ok = retryAfterDelay("")
	require.False(t, ok)
	_, ok = retryAfterDelay("soon")
	require.False(t, ok)
}
