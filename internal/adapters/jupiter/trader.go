package jupiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/nexus-trading/launchguard/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Live Trader: quote, build, sign, send, confirm
// ---------------------------------------------------------------------------

// FeeEstimator suggests a priority fee when none is configured.
type FeeEstimator interface {
	GetRecentPriorityFee(ctx context.Context) (uint64, error)
}

// Chain is what the live trader needs from the RPC client.
type Chain interface {
	solana.TxSender
	GetMintInfo(ctx context.Context, mint solana.Pubkey) (*solana.MintInfo, error)
}

// LiveConfig configures live execution.
type LiveConfig struct {
	PriorityFeeLamports uint64        `yaml:"priority_fee_lamports"` // 0 = estimate from recent slots
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

// LiveTrader executes swaps through Jupiter and a Solana RPC node.
type LiveTrader struct {
	config LiveConfig
	api    *APIClient
	signer Signer
	chain  Chain
	fees   FeeEstimator

	decimals sync.Map // mint -> int32

	swapsExecuted atomic.Int64
	swapsFailed   atomic.Int64
}

var _ execution.Trader = (*LiveTrader)(nil)

// NewLiveTrader creates a live trader. fees may be nil.
func NewLiveTrader(config LiveConfig, api *APIClient, signer Signer, chain Chain, fees FeeEstimator) *LiveTrader {
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = 60 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	return &LiveTrader{
		config: config,
		api:    api,
		signer: signer,
		chain:  chain,
		fees:   fees,
	}
}

func (t *LiveTrader) Mode() domain.Mode { return domain.ModeLive }

// ExecuteTrade swaps SOL for the token (buy) or back (sell). The fill is
// priced from the route quote once the transaction has confirmed.
func (t *LiveTrader) ExecuteTrade(ctx context.Context, req execution.TradeRequest) (execution.Fill, error) {
	start := time.Now()
	fill, err := t.execute(ctx, req)
	if err != nil {
		t.swapsFailed.Add(1)
		return execution.Fill{}, err
	}
	t.swapsExecuted.Add(1)

	log.Info().
		Str("request_id", req.RequestID).
		Str("sig", fill.Signature).
		Str("direction", string(req.Direction)).
		Str("qty", fill.Quantity.String()).
		Str("amount_sol", fill.AmountSOL.String()).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("jupiter: swap executed")
	return fill, nil
}

func (t *LiveTrader) execute(ctx context.Context, req execution.TradeRequest) (execution.Fill, error) {
	dec, err := t.tokenDecimals(ctx, req.Mint)
	if err != nil {
		return execution.Fill{}, err
	}
	tokenUnit := decimal.New(1, dec)

	params := QuoteParams{SlippageBps: req.MaxSlippageBps}
	switch req.Direction {
	case execution.Buy:
		params.InputMint, params.OutputMint = solana.SOLMint, solana.Pubkey(req.Mint)
		params.Amount = uint64(req.AmountSOL.Mul(solana.LamportsPerSOL).IntPart())
	case execution.Sell:
		params.InputMint, params.OutputMint = solana.Pubkey(req.Mint), solana.SOLMint
		params.Amount = uint64(req.Quantity.Mul(tokenUnit).IntPart())
	default:
		return execution.Fill{}, fmt.Errorf("jupiter: unknown direction %q", req.Direction)
	}
	if params.Amount == 0 {
		return execution.Fill{}, fmt.Errorf("jupiter: trade %s rounds to zero units", req.RequestID)
	}

	quote, err := t.api.Quote(ctx, params)
	if err != nil {
		return execution.Fill{}, err
	}

	swap, err := t.api.BuildSwapTx(ctx, quote, t.priorityFee(ctx))
	if err != nil {
		return execution.Fill{}, err
	}
	signed, err := t.signer.Sign(ctx, swap.SwapTransaction)
	if err != nil {
		return execution.Fill{}, err
	}
	sig, err := t.chain.SendTransaction(ctx, signed)
	if err != nil {
		return execution.Fill{}, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, t.config.ConfirmTimeout)
	defer cancel()
	if _, err := solana.WaitForConfirmation(confirmCtx, t.chain, sig, t.config.PollInterval); err != nil {
		return execution.Fill{}, err
	}

	fill := execution.Fill{
		RequestID:   req.RequestID,
		Mint:        req.Mint,
		Direction:   req.Direction,
		Mode:        domain.ModeLive,
		FeeSOL:      decimal.Zero,
		SlippageBps: quote.ImpactPct() * 100,
		Signature:   string(sig),
		FilledAt:    time.Now(),
	}
	if req.Direction == execution.Buy {
		fill.AmountSOL = quote.InRaw().Div(solana.LamportsPerSOL)
		fill.Quantity = quote.OutRaw().Div(tokenUnit)
	} else {
		fill.Quantity = quote.InRaw().Div(tokenUnit)
		fill.AmountSOL = quote.OutRaw().Div(solana.LamportsPerSOL)
	}
	if fill.Quantity.IsPositive() {
		fill.AvgPrice = fill.AmountSOL.Div(fill.Quantity)
	}
	return fill, nil
}

func (t *LiveTrader) tokenDecimals(ctx context.Context, mint string) (int32, error) {
	if v, ok := t.decimals.Load(mint); ok {
		return v.(int32), nil
	}
	info, err := t.chain.GetMintInfo(ctx, solana.Pubkey(mint))
	if err != nil {
		return 0, fmt.Errorf("jupiter: decimals for %s: %w", shortMint(mint), err)
	}
	d := int32(info.Decimals)
	t.decimals.Store(mint, d)
	return d, nil
}

func (t *LiveTrader) priorityFee(ctx context.Context) uint64 {
	if t.config.PriorityFeeLamports > 0 || t.fees == nil {
		return t.config.PriorityFeeLamports
	}
	fee, err := t.fees.GetRecentPriorityFee(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("jupiter: priority fee estimate failed, using default")
	}
	return fee
}

// LiveStats are live execution counters.
type LiveStats struct {
	SwapsExecuted int64    `json:"swaps_executed"`
	SwapsFailed   int64    `json:"swaps_failed"`
	API           APIStats `json:"api"`
}

func (t *LiveTrader) Stats() LiveStats {
	return LiveStats{
		SwapsExecuted: t.swapsExecuted.Load(),
		SwapsFailed:   t.swapsFailed.Load(),
		API:           t.api.APIStats(),
	}
}
