package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/retry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Live RPC Client: Solana JSON-RPC with rate limiting, retry and breaker
// ---------------------------------------------------------------------------

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("rpc: circuit breaker open")

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	// Rate limiter (token bucket).
	limiter       chan struct{}
	limiterCancel context.CancelFunc

	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRPCConfig().Retry
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	client := &LiveRPCClient{
		config:        config,
		httpClient:    &http.Client{Timeout: config.Timeout},
		limiter:       limiter,
		limiterCancel: limiterCancel,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case client.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return client
}

// Close stops the rate limiter.
func (c *LiveRPCClient) Close() {
	c.limiterCancel()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call makes a rate-limited, retried JSON-RPC call. params is either a
// positional slice or, for DAS methods, a named object.
func (c *LiveRPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("%s: %w", method, ErrCircuitOpen)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.config.Retry.Do(ctx, func(ctx context.Context) error {
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return ctx.Err()
		}

		res, err := c.post(ctx, method, body)
		if err != nil {
			c.errorCount.Add(1)
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				c.resetErrors()
				return retry.Permanent(err)
			}
			c.recordError()
			return err
		}
		c.resetErrors()
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}
	return result, nil
}

func (c *LiveRPCClient) post(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http error: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.requestCount.Add(1)
	c.latencySum.Add(time.Since(start).Microseconds())
	c.lastRequestAt.Store(time.Now().UnixMilli())

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s rate limited (429)", method)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%s unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// recordError increments consecutive errors and opens circuit breaker if needed.
func (c *LiveRPCClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN - too many consecutive errors")
			time.AfterFunc(circuitBreakerCooldown, func() {
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("rpc: circuit breaker reset")
			})
		}
	}
}

func (c *LiveRPCClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// Token reads
// ---------------------------------------------------------------------------

// GetMintInfo reads the mint account with jsonParsed encoding. Token-2022
// extensions are walked with gjson to pick up the transfer fee.
func (c *LiveRPCClient) GetMintInfo(ctx context.Context, mint Pubkey) (*MintInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(mint),
		map[string]any{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}
	return parseMintInfo(mint, result)
}

func parseMintInfo(mint Pubkey, result []byte) (*MintInfo, error) {
	value := gjson.GetBytes(result, "value")
	if !value.Exists() || value.Type == gjson.Null {
		return nil, fmt.Errorf("rpc: mint %s not found", mint)
	}
	info := value.Get("data.parsed.info")
	if !info.Exists() {
		return nil, fmt.Errorf("rpc: mint %s is not a parsed token mint", mint)
	}

	supply, err := decimal.NewFromString(info.Get("supply").String())
	if err != nil {
		supply = decimal.Zero
	}

	m := &MintInfo{
		Mint:            mint,
		Program:         Pubkey(value.Get("owner").String()),
		Decimals:        uint8(info.Get("decimals").Uint()),
		Supply:          supply,
		MintAuthority:   Pubkey(info.Get("mintAuthority").String()),
		FreezeAuthority: Pubkey(info.Get("freezeAuthority").String()),
	}

	info.Get("extensions").ForEach(func(_, ext gjson.Result) bool {
		if ext.Get("extension").String() != "transferFeeConfig" {
			return true
		}
		bps := ext.Get("state.newerTransferFee.transferFeeBasisPoints").Uint()
		if older := ext.Get("state.olderTransferFee.transferFeeBasisPoints").Uint(); older > bps {
			bps = older
		}
		m.TransferFeeBps = uint16(bps)
		return false
	})
	return m, nil
}

// GetTokenSupply returns the raw supply and decimals of a mint.
func (c *LiveRPCClient) GetTokenSupply(ctx context.Context, mint Pubkey) (decimal.Decimal, uint8, error) {
	result, err := c.call(ctx, "getTokenSupply", []any{string(mint)})
	if err != nil {
		return decimal.Zero, 0, err
	}
	amount, err := decimal.NewFromString(gjson.GetBytes(result, "value.amount").String())
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("rpc: parse supply: %w", err)
	}
	return amount, uint8(gjson.GetBytes(result, "value.decimals").Uint()), nil
}

// GetTopHolders returns the largest token accounts for a mint with their
// share of supply.
func (c *LiveRPCClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	totalSupply, _, err := c.GetTokenSupply(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", string(mint)).Msg("rpc: supply unavailable, holder percentages zeroed")
		totalSupply = decimal.Zero
	}

	holders := make([]HolderInfo, 0, limit)
	for i, h := range resp.Value {
		if i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		pct := 0.0
		if totalSupply.IsPositive() {
			pct = balance.Div(totalSupply).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		holders = append(holders, HolderInfo{
			Address:    Pubkey(h.Address),
			Balance:    balance,
			Percentage: pct,
		})
	}
	return holders, nil
}

// GetHolderCount asks a DAS-enabled endpoint (Helius getTokenAccounts) for
// the number of token accounts holding mint.
func (c *LiveRPCClient) GetHolderCount(ctx context.Context, mint Pubkey) (int, error) {
	result, err := c.call(ctx, "getTokenAccounts", map[string]any{
		"mint":  string(mint),
		"limit": 1,
	})
	if err != nil {
		return 0, err
	}
	total := gjson.GetBytes(result, "total")
	if !total.Exists() {
		return 0, fmt.Errorf("rpc: getTokenAccounts response has no total")
	}
	return int(total.Int()), nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// SendTransaction submits a signed transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	result, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": "confirmed",
			"maxRetries":          0,
		},
	})
	if err != nil {
		return "", err
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return Signature(sig), nil
}

// GetSignatureStatus checks transaction confirmation status.
func (c *LiveRPCClient) GetSignatureStatus(ctx context.Context, sig Signature) (SignatureStatus, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
		map[string]any{"searchTransactionHistory": false},
	})
	if err != nil {
		return SignatureStatus{}, err
	}

	st := SignatureStatus{Signature: sig, Status: StatusPending}
	v := gjson.GetBytes(result, "value.0")
	if !v.Exists() || v.Type == gjson.Null {
		return st, nil
	}
	st.Slot = v.Get("slot").Uint()
	if e := v.Get("err"); e.Exists() && e.Type != gjson.Null {
		st.Status = StatusFailed
		st.Err = e.Raw
		return st, nil
	}
	if cs := v.Get("confirmationStatus").String(); cs != "" {
		st.Status = cs
	}
	return st, nil
}

// WaitForConfirmation polls the signature until it lands, fails, or ctx ends.
func WaitForConfirmation(ctx context.Context, sender TxSender, sig Signature, interval time.Duration) (SignatureStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := sender.GetSignatureStatus(ctx, sig)
		if err != nil {
			log.Debug().Err(err).Str("sig", string(sig)).Msg("rpc: status poll failed")
		} else {
			switch {
			case st.Landed():
				return st, nil
			case st.Status == StatusFailed:
				return st, fmt.Errorf("rpc: transaction %s failed: %s", sig, st.Err)
			}
		}

		select {
		case <-ctx.Done():
			return SignatureStatus{Signature: sig, Status: StatusPending}, fmt.Errorf("rpc: confirm %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
