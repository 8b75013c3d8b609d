package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	errStr := err.Error()
	if errStr != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32000: nonce too low")
	}

	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "non-HTTP error",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

// rpcHandler builds an httptest handler answering each method from results.
func rpcHandler(t *testing.T, results map[string]string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}
		result, ok := results[req.Method]
		if !ok {
			json.NewEncoder(w).Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &JSONRPCError{Code: -32601, Message: "method not found"},
				ID:      req.ID,
			})
			return
		}
		json.NewEncoder(w).Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(result),
			ID:      req.ID,
		})
	}
}

func TestHTTPClientQueries(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]string{
		"eth_getTransactionCount": `"0x2a"`,
		"eth_gasPrice":            `"0x3b9aca00"`,
		"eth_blockNumber":         `"0x10"`,
		"eth_chainId":             `"0xa455"`,
	}))
	defer srv.Close()

	c := NewHTTPClient(DefaultClientConfig(srv.URL))
	ctx := context.Background()

	if nonce, err := c.GetNonce(ctx, "0xabc"); err != nil || nonce != 42 {
		t.Errorf("GetNonce() = %d, %v, want 42, nil", nonce, err)
	}
	if nonce, err := c.GetConfirmedNonce(ctx, "0xabc"); err != nil || nonce != 42 {
		t.Errorf("GetConfirmedNonce() = %d, %v, want 42, nil", nonce, err)
	}
	if price, err := c.GetGasPrice(ctx); err != nil || price != 1_000_000_000 {
		t.Errorf("GetGasPrice() = %d, %v, want 1000000000, nil", price, err)
	}
	if block, err := c.GetBlockNumber(ctx); err != nil || block != 16 {
		t.Errorf("GetBlockNumber() = %d, %v, want 16, nil", block, err)
	}
	if chainID, err := c.ChainID(ctx); err != nil || chainID.Int64() != 42069 {
		t.Errorf("ChainID() = %v, %v, want 42069, nil", chainID, err)
	}
}

func TestGetTransactionReceipt(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]string{
		"eth_getTransactionReceipt": `{"status":"0x1","gasUsed":"0x5208","blockNumber":"0x64"}`,
	}))
	defer srv.Close()

	c := NewHTTPClient(DefaultClientConfig(srv.URL))

	receipt, err := c.GetTransactionReceipt(context.Background(), "0xdead")
	if err != nil {
		t.Fatalf("GetTransactionReceipt() error: %v", err)
	}
	if receipt == nil {
		t.Fatal("GetTransactionReceipt() returned nil receipt")
	}
	if receipt.Status != 1 || receipt.GasUsed != 21000 || receipt.BlockNumber != 100 {
		t.Errorf("receipt = %+v, want status=1 gasUsed=21000 blockNumber=100", receipt)
	}
}

func TestGetTransactionReceiptNotFound(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]string{
		"eth_getTransactionReceipt": `null`,
	}))
	defer srv.Close()

	c := NewHTTPClient(DefaultClientConfig(srv.URL))

	receipt, err := c.GetTransactionReceipt(context.Background(), "0xdead")
	if err != nil {
		t.Fatalf("GetTransactionReceipt() error: %v", err)
	}
	if receipt != nil {
		t.Errorf("GetTransactionReceipt() = %+v, want nil for unconfirmed tx", receipt)
	}
}

func TestCallRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", Result: json.RawMessage(`"0x1"`), ID: 1})
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	c := NewHTTPClient(cfg)

	if _, err := c.Call(context.Background(), "eth_blockNumber", nil); err != nil {
		t.Fatalf("Call() error after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestCallDoesNotRetryRPCError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: -32000, Message: "nonce too low"},
			ID:      1,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(DefaultClientConfig(srv.URL))

	_, err := c.Call(context.Background(), "eth_sendRawTransaction", []interface{}{"0x00"})
	if err == nil {
		t.Fatal("Call() returned nil error for RPC error response")
	}
	if !isRPCError(err) {
		t.Errorf("Call() error = %T, want *RPCError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1 (RPC errors are not retried)", got)
	}
}
