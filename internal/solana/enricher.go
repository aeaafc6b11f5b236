package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
)

// topHolderCount is how many of the largest accounts make up the
// concentration figure.
const topHolderCount = 10

// Enricher fills holder count, top-holder concentration and transfer tax on
// a snapshot from on-chain state.
type Enricher struct {
	rpc     TokenReader
	useDAS  bool
	timeout time.Duration
}

// NewEnricher creates an enricher. With useDAS the holder count comes from
// getTokenAccounts; otherwise it is the number of largest accounts seen.
func NewEnricher(rpc TokenReader, useDAS bool, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Enricher{rpc: rpc, useDAS: useDAS, timeout: timeout}
}

// Enrich returns a new snapshot with on-chain fields filled. The holder
// lookup is required; the mint lookup for transfer fees is best effort.
func (e *Enricher) Enrich(ctx context.Context, snap domain.TokenSnapshot) (domain.TokenSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	mint := Pubkey(snap.Mint)

	holders, err := e.rpc.GetTopHolders(ctx, mint, topHolderCount)
	if err != nil {
		return snap, fmt.Errorf("enrich %s: holders: %w", domain.ShortAddress(snap.Mint), err)
	}

	var topPct float64
	for _, h := range holders {
		topPct += h.Percentage
	}
	count := len(holders)
	if e.useDAS {
		if n, err := e.rpc.GetHolderCount(ctx, mint); err == nil {
			count = n
		} else {
			log.Debug().Err(err).Str("mint", domain.ShortAddress(snap.Mint)).Msg("enrich: DAS holder count unavailable")
		}
	}
	out := snap.WithHolders(domain.Holders{Count: count, TopHolderPct: min(topPct, 100)})

	info, err := e.rpc.GetMintInfo(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", domain.ShortAddress(snap.Mint)).Msg("enrich: mint info unavailable")
		return out, nil
	}
	if info.TransferFeeBps > 0 {
		fee := info.TransferFeePct()
		out = out.WithTaxes(fee, fee)
	}
	return out, nil
}
