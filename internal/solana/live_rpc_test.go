package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/launchguard/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRPCServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *LiveRPCClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	client := NewLiveRPCClient(RPCConfig{
		Endpoint:     server.URL,
		Timeout:      5 * time.Second,
		RateLimitRPS: 100,
		Retry: retry.Policy{
			Base:        time.Millisecond,
			Max:         5 * time.Millisecond,
			MaxAttempts: 2,
		},
	})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  result,
	})
}

func decodeRequest(r *http.Request) rpcRequest {
	var req rpcRequest
	json.NewDecoder(r.Body).Decode(&req)
	return req
}

func TestLiveRPC_Health(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "ok")
	})

	err := client.Health(context.Background())
	assert.NoError(t, err)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.RequestCount)
}

func TestLiveRPC_GetMintInfo(t *testing.T) {
	t.Run("legacy token", func(t *testing.T) {
		_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, map[string]any{
				"value": map[string]any{
					"owner": string(TokenProgram),
					"data": map[string]any{
						"parsed": map[string]any{
							"info": map[string]any{
								"decimals":        6,
								"supply":          "1000000000000000",
								"mintAuthority":   nil,
								"freezeAuthority": nil,
							},
						},
					},
				},
			})
		})

		info, err := client.GetMintInfo(context.Background(), Pubkey("test-mint"))
		require.NoError(t, err)
		assert.Equal(t, uint8(6), info.Decimals)
		assert.Equal(t, TokenProgram, info.Program)
		assert.True(t, info.IsMintRenounced())
		assert.True(t, info.IsFreezeRenounced())
		assert.Equal(t, uint16(0), info.TransferFeeBps)
	})

	t.Run("token-2022 transfer fee", func(t *testing.T) {
		_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, map[string]any{
				"value": map[string]any{
					"owner": string(Token2022Program),
					"data": map[string]any{
						"parsed": map[string]any{
							"info": map[string]any{
								"decimals":        9,
								"supply":          "500",
								"mintAuthority":   "Auth1111",
								"freezeAuthority": nil,
								"extensions": []map[string]any{
									{"extension": "metadataPointer"},
									{"extension": "transferFeeConfig", "state": map[string]any{
										"newerTransferFee": map[string]any{"transferFeeBasisPoints": 250},
										"olderTransferFee": map[string]any{"transferFeeBasisPoints": 100},
									}},
								},
							},
						},
					},
				},
			})
		})

		info, err := client.GetMintInfo(context.Background(), Pubkey("fee-mint"))
		require.NoError(t, err)
		assert.False(t, info.IsMintRenounced())
		assert.Equal(t, uint16(250), info.TransferFeeBps)
		assert.InDelta(t, 2.5, info.TransferFeePct(), 1e-9)
	})

	t.Run("missing account", func(t *testing.T) {
		_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, map[string]any{"value": nil})
		})

		_, err := client.GetMintInfo(context.Background(), Pubkey("nope"))
		assert.ErrorContains(t, err, "not found")
	})
}

func TestLiveRPC_GetTopHolders(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch decodeRequest(r).Method {
		case "getTokenLargestAccounts":
			writeResult(w, map[string]any{
				"value": []map[string]any{
					{"address": "holder1", "amount": "500000"},
					{"address": "holder2", "amount": "300000"},
					{"address": "holder3", "amount": "100000"},
				},
			})
		case "getTokenSupply":
			writeResult(w, map[string]any{
				"value": map[string]any{"amount": "1000000", "decimals": 6},
			})
		}
	})

	holders, err := client.GetTopHolders(context.Background(), Pubkey("test-mint"), 2)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, Pubkey("holder1"), holders[0].Address)
	assert.InDelta(t, 50.0, holders[0].Percentage, 1e-9)
	assert.InDelta(t, 30.0, holders[1].Percentage, 1e-9)
}

func TestLiveRPC_GetHolderCount(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(r)
		assert.Equal(t, "getTokenAccounts", req.Method)
		params, ok := req.Params.(map[string]any)
		assert.True(t, ok, "DAS params are a named object")
		assert.Equal(t, "test-mint", params["mint"])
		writeResult(w, map[string]any{"total": 1234, "limit": 1, "token_accounts": []any{}})
	})

	n, err := client.GetHolderCount(context.Background(), Pubkey("test-mint"))
	require.NoError(t, err)
	assert.Equal(t, 1234, n)
}

func TestLiveRPC_SendTransaction(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW")
	})

	sig, err := client.SendTransaction(context.Background(), "base64-tx")
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func TestLiveRPC_GetSignatureStatus(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		status string
		landed bool
	}{
		{"confirmed", []map[string]any{{"slot": 7, "confirmationStatus": "confirmed", "err": nil}}, StatusConfirmed, true},
		{"unknown signature", []any{nil}, StatusPending, false},
		{"failed", []map[string]any{{"slot": 7, "confirmationStatus": "confirmed", "err": map[string]any{"InstructionError": []any{0, "Custom"}}}}, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeResult(w, map[string]any{"value": tt.value})
			})

			st, err := client.GetSignatureStatus(context.Background(), Signature("sig"))
			require.NoError(t, err)
			assert.Equal(t, tt.status, st.Status)
			assert.Equal(t, tt.landed, st.Landed())
		})
	}
}

func TestWaitForConfirmation(t *testing.T) {
	var polls atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeResult(w, map[string]any{"value": []any{nil}})
			return
		}
		writeResult(w, map[string]any{"value": []map[string]any{{"confirmationStatus": "finalized", "err": nil}}})
	})

	st, err := WaitForConfirmation(context.Background(), client, Signature("sig"), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, st.Status)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitForConfirmation_Timeout(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"value": []any{nil}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitForConfirmation(ctx, client, Signature("sig"), time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLiveRPC_RetryOnError(t *testing.T) {
	var calls atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("internal error"))
			return
		}
		writeResult(w, "ok")
	})

	err := client.Health(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "should retry once after failure")
}

func TestLiveRPC_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error": map[string]any{
				"code":    -32600,
				"message": "Invalid request",
			},
		})
	})

	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid request")
	assert.Equal(t, int32(1), calls.Load())

	var rpcErr *RPCError
	assert.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32600, rpcErr.Code)
}

func TestLiveRPC_CircuitBreaker(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < circuitBreakerThreshold; i++ {
		_ = client.Health(context.Background())
	}
	assert.True(t, client.Stats().CircuitOpen)

	err := client.Health(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestLiveRPC_ContextCancellation(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Health(ctx)
	assert.Error(t, err)
}
