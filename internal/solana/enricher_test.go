package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	holders    []HolderInfo
	holdersErr error
	count      int
	countErr   error
	mint       *MintInfo
	mintErr    error
}

func (f *fakeReader) GetTopHolders(context.Context, Pubkey, int) ([]HolderInfo, error) {
	return f.holders, f.holdersErr
}

func (f *fakeReader) GetHolderCount(context.Context, Pubkey) (int, error) {
	return f.count, f.countErr
}

func (f *fakeReader) GetMintInfo(context.Context, Pubkey) (*MintInfo, error) {
	return f.mint, f.mintErr
}

func testSnapshot() domain.TokenSnapshot {
	return domain.TokenSnapshot{
		Mint:         string(USDCMint),
		Symbol:       "TEST",
		LiquiditySOL: decimal.NewFromInt(10),
	}
}

func TestEnricher_FillsHoldersAndTaxes(t *testing.T) {
	reader := &fakeReader{
		holders: []HolderInfo{{Percentage: 20}, {Percentage: 7.5}, {Percentage: 2.5}},
		count:   480,
		mint:    &MintInfo{TransferFeeBps: 300},
	}

	out, err := NewEnricher(reader, true, 0).Enrich(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, string(USDCMint), out.Mint)
	assert.Equal(t, 480, out.HolderCount)
	assert.InDelta(t, 30.0, out.TopHolderPct, 1e-9)
	assert.InDelta(t, 3.0, out.BuyTaxPct, 1e-9)
	assert.InDelta(t, 3.0, out.SellTaxPct, 1e-9)
}

func TestEnricher_WithoutDASCountsLargestAccounts(t *testing.T) {
	reader := &fakeReader{
		holders: []HolderInfo{{Percentage: 10}, {Percentage: 5}},
		count:   999,
		mint:    &MintInfo{},
	}

	out, err := NewEnricher(reader, false, 0).Enrich(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 2, out.HolderCount)
	assert.Zero(t, out.SellTaxPct)
}

func TestEnricher_HolderFailureIsReported(t *testing.T) {
	reader := &fakeReader{holdersErr: errors.New("rpc down")}

	snap := testSnapshot()
	out, err := NewEnricher(reader, false, 0).Enrich(context.Background(), snap)
	require.Error(t, err)
	assert.Equal(t, snap, out)
}

func TestEnricher_MintFailureIsBestEffort(t *testing.T) {
	reader := &fakeReader{
		holders:  []HolderInfo{{Percentage: 12}},
		countErr: errors.New("no DAS"),
		mintErr:  errors.New("timeout"),
	}

	out, err := NewEnricher(reader, true, 0).Enrich(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, out.HolderCount)
	assert.InDelta(t, 12.0, out.TopHolderPct, 1e-9)
}
