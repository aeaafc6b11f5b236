package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/retry"
	"github.com/nexus-trading/launchguard/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Jupiter API Client: quote, swap build and price endpoints
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

// ErrNoRoute means Jupiter has no route for the pair. For a sell this is
// the honeypot signal.
var ErrNoRoute = errors.New("jupiter: no route")

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("jupiter: circuit breaker open")

// noRouteCodes are the errorCode values Jupiter returns for untradable pairs.
var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE": true,
	"NO_ROUTES_FOUND":          true,
	"TOKEN_NOT_TRADABLE":       true,
}

const (
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

// APIConfig configures the Jupiter client.
type APIConfig struct {
	QuoteURL     string        `yaml:"quote_url"`
	SwapURL      string        `yaml:"swap_url"`
	PriceURL     string        `yaml:"price_url"`
	Timeout      time.Duration `yaml:"timeout"`
	WalletPubkey string        `yaml:"wallet_pubkey"`
	Retry        retry.Policy  `yaml:"retry"`
}

// DefaultAPIConfig returns the public endpoints.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		QuoteURL: "https://quote-api.jup.ag/v6/quote",
		SwapURL:  "https://quote-api.jup.ag/v6/swap",
		PriceURL: "https://api.jup.ag/price/v2",
		Timeout:  10 * time.Second,
		Retry: retry.Policy{
			Base:        500 * time.Millisecond,
			Max:         2 * time.Second,
			MaxAttempts: 3,
			Factor:      2,
		},
	}
}

// APIClient is the Jupiter API client.
type APIClient struct {
	config     APIConfig
	httpClient *http.Client

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	priceCount   atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewAPIClient creates a new Jupiter API client.
func NewAPIClient(config APIConfig) *APIClient {
	def := DefaultAPIConfig()
	if config.QuoteURL == "" {
		config.QuoteURL = def.QuoteURL
	}
	if config.SwapURL == "" {
		config.SwapURL = def.SwapURL
	}
	if config.PriceURL == "" {
		config.PriceURL = def.PriceURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = def.Retry
	}
	return &APIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// ---------------------------------------------------------------------------
// Quote API
// ---------------------------------------------------------------------------

// QuoteParams request a route for Amount raw units of InputMint.
type QuoteParams struct {
	InputMint   solana.Pubkey
	OutputMint  solana.Pubkey
	Amount      uint64
	SlippageBps int
}

// QuoteResponse is the response from the /quote endpoint. It is passed back
// verbatim to /swap.
type QuoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SwapMode             string `json:"swapMode"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey     string `json:"ammKey"`
			Label      string `json:"label"`
			InputMint  string `json:"inputMint"`
			OutputMint string `json:"outputMint"`
			InAmount   string `json:"inAmount"`
			OutAmount  string `json:"outAmount"`
			FeeAmount  string `json:"feeAmount"`
			FeeMint    string `json:"feeMint"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64  `json:"contextSlot"`
	TimeTaken   float64 `json:"timeTaken"`
}

// InRaw returns the input amount in raw units.
func (q *QuoteResponse) InRaw() decimal.Decimal { return parseRaw(q.InAmount) }

// OutRaw returns the quoted output amount in raw units.
func (q *QuoteResponse) OutRaw() decimal.Decimal { return parseRaw(q.OutAmount) }

// ImpactPct returns the price impact in percent.
func (q *QuoteResponse) ImpactPct() float64 {
	f, _ := strconv.ParseFloat(q.PriceImpactPct, 64)
	return f * 100
}

func parseRaw(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Quote fetches the best route. An untradable pair returns ErrNoRoute
// without retrying.
func (c *APIClient) Quote(ctx context.Context, params QuoteParams) (*QuoteResponse, error) {
	if c.circuitOpen.Load() {
		return nil, ErrCircuitOpen
	}
	start := time.Now()

	queryURL, err := url.Parse(c.config.QuoteURL)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", string(params.InputMint))
	q.Set("outputMint", string(params.OutputMint))
	q.Set("amount", strconv.FormatUint(params.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(params.SlippageBps))
	q.Set("swapMode", "ExactIn")
	queryURL.RawQuery = q.Encode()

	var quote QuoteResponse
	err = c.config.Retry.Do(ctx, func(ctx context.Context) error {
		body, status, err := c.do(ctx, http.MethodGet, queryURL.String(), nil)
		if err != nil {
			return err
		}
		if status == http.StatusBadRequest || status == http.StatusNotFound {
			if code := gjson.GetBytes(body, "errorCode").String(); noRouteCodes[code] {
				return retry.Permanent(fmt.Errorf("%w: %s -> %s (%s)", ErrNoRoute, params.InputMint, params.OutputMint, code))
			}
		}
		if status != http.StatusOK {
			c.recordError()
			return fmt.Errorf("jupiter: quote HTTP %d: %s", status, truncate(body))
		}
		if err := json.Unmarshal(body, &quote); err != nil {
			return retry.Permanent(fmt.Errorf("jupiter: parse quote: %w", err))
		}
		c.resetErrors()
		return nil
	})
	if err != nil {
		return nil, err
	}

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", shortMint(quote.InputMint)).
		Str("out", shortMint(quote.OutputMint)).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return &quote, nil
}

// RoundTrip is a buy quote followed by a sell quote of the bought amount.
type RoundTrip struct {
	AmountSOL     decimal.Decimal `json:"amount_sol"`
	TokensRaw     decimal.Decimal `json:"tokens_raw"`
	SOLBack       decimal.Decimal `json:"sol_back"`
	LossPct       float64         `json:"loss_pct"`
	SellImpactPct float64         `json:"sell_impact_pct"`
}

// RoundTrip quotes SOL -> mint -> SOL for amountSOL. A missing sell route
// returns ErrNoRoute.
func (c *APIClient) RoundTrip(ctx context.Context, mint string, amountSOL decimal.Decimal, slippageBps int) (RoundTrip, error) {
	lamports := amountSOL.Mul(solana.LamportsPerSOL).IntPart()
	if lamports <= 0 {
		return RoundTrip{}, fmt.Errorf("jupiter: round trip amount must be positive")
	}

	buy, err := c.Quote(ctx, QuoteParams{
		InputMint:   solana.SOLMint,
		OutputMint:  solana.Pubkey(mint),
		Amount:      uint64(lamports),
		SlippageBps: slippageBps,
	})
	if err != nil {
		return RoundTrip{}, fmt.Errorf("jupiter: round trip buy leg: %w", err)
	}
	tokens := buy.OutRaw()
	if !tokens.IsPositive() {
		return RoundTrip{}, fmt.Errorf("%w: buy leg returns no tokens for %s", ErrNoRoute, shortMint(mint))
	}

	sell, err := c.Quote(ctx, QuoteParams{
		InputMint:   solana.Pubkey(mint),
		OutputMint:  solana.SOLMint,
		Amount:      uint64(tokens.IntPart()),
		SlippageBps: slippageBps,
	})
	if err != nil {
		return RoundTrip{}, fmt.Errorf("jupiter: round trip sell leg: %w", err)
	}

	back := sell.OutRaw().Div(solana.LamportsPerSOL)
	loss := decimal.NewFromInt(1).Sub(back.Div(amountSOL)).Mul(decimal.NewFromInt(100))
	return RoundTrip{
		AmountSOL:     amountSOL,
		TokensRaw:     tokens,
		SOLBack:       back,
		LossPct:       loss.InexactFloat64(),
		SellImpactPct: sell.ImpactPct(),
	}, nil
}

// ---------------------------------------------------------------------------
// Swap API
// ---------------------------------------------------------------------------

// SwapRequest is the request to the /swap endpoint.
type SwapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	AsLegacyTransaction           bool            `json:"asLegacyTransaction"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

// SwapResponse is the response from the /swap endpoint.
type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"` // base64, unsigned
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwapTx builds an unsigned swap transaction from a quote.
func (c *APIClient) BuildSwapTx(ctx context.Context, quote *QuoteResponse, priorityFee uint64) (*SwapResponse, error) {
	if c.circuitOpen.Load() {
		return nil, ErrCircuitOpen
	}
	if c.config.WalletPubkey == "" {
		return nil, fmt.Errorf("jupiter: wallet pubkey not configured")
	}

	quoteJSON, err := json.Marshal(quote)
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal quote: %w", err)
	}
	body, err := json.Marshal(SwapRequest{
		QuoteResponse:                 quoteJSON,
		UserPublicKey:                 c.config.WalletPubkey,
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: priorityFee,
		DynamicComputeUnitLimit:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	var swapResp SwapResponse
	err = c.config.Retry.Do(ctx, func(ctx context.Context) error {
		respBody, status, err := c.do(ctx, http.MethodPost, c.config.SwapURL, body)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			c.recordError()
			return fmt.Errorf("jupiter: swap HTTP %d: %s", status, truncate(respBody))
		}
		if err := json.Unmarshal(respBody, &swapResp); err != nil {
			return retry.Permanent(fmt.Errorf("jupiter: parse swap response: %w", err))
		}
		if swapResp.SwapTransaction == "" {
			return retry.Permanent(fmt.Errorf("jupiter: swap response has no transaction"))
		}
		c.resetErrors()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.swapCount.Add(1)
	return &swapResp, nil
}

// ---------------------------------------------------------------------------
// Price API
// ---------------------------------------------------------------------------

// PriceSOL returns the price of mint denominated in SOL.
func (c *APIClient) PriceSOL(ctx context.Context, mint string) (decimal.Decimal, error) {
	queryURL, err := url.Parse(c.config.PriceURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", mint)
	q.Set("vsToken", string(solana.SOLMint))
	queryURL.RawQuery = q.Encode()

	body, status, err := c.do(ctx, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("jupiter: price HTTP %d", status)
	}

	// v2 returns the price as a string, v6 as a number.
	raw := gjson.GetBytes(body, "data."+mint+".price")
	if !raw.Exists() || raw.Type == gjson.Null {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", shortMint(mint))
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse price %q: %w", raw.String(), err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: zero/negative price for %s", shortMint(mint))
	}
	c.priceCount.Add(1)
	return price, nil
}

// do performs one HTTP round trip. Transport errors count against the breaker.
func (c *APIClient) do(ctx context.Context, method, target string, body []byte) ([]byte, int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, 0, retry.Permanent(fmt.Errorf("jupiter: create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorCount.Add(1)
		c.recordError()
		return nil, 0, fmt.Errorf("jupiter: HTTP error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errorCount.Add(1)
		c.recordError()
		return nil, 0, fmt.Errorf("jupiter: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.errorCount.Add(1)
	}
	return respBody, resp.StatusCode, nil
}

// recordError increments consecutive errors and opens circuit breaker.
func (c *APIClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
			time.AfterFunc(circuitCooldown, func() {
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("jupiter: circuit breaker reset")
			})
		}
	}
}

func (c *APIClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}

func shortMint(m string) string {
	if len(m) > 8 {
		return m[:8]
	}
	return m
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	PriceCount   int64 `json:"price_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		PriceCount:   c.priceCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
