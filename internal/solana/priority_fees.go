package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Priority fees: p75 of recent slots, capped
// ---------------------------------------------------------------------------

const (
	// MaxPriorityFeeLamports is the hard ceiling (0.05 SOL).
	MaxPriorityFeeLamports = 50_000_000

	// DefaultPriorityFeeLamports is the fallback when no data is available.
	DefaultPriorityFeeLamports = 10_000
)

// GetRecentPriorityFee returns the p75 of non-zero recent prioritization
// fees, capped at MaxPriorityFeeLamports. On error it also returns the default.
func (c *LiveRPCClient) GetRecentPriorityFee(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", nil)
	if err != nil {
		return DefaultPriorityFeeLamports, err
	}

	var fees []prioritizationFee
	if err := json.Unmarshal(result, &fees); err != nil {
		return DefaultPriorityFeeLamports, fmt.Errorf("rpc: parse prioritization fees: %w", err)
	}
	return feeFromSamples(fees), nil
}

type prioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

func feeFromSamples(fees []prioritizationFee) uint64 {
	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, f.PrioritizationFee)
		}
	}
	if len(values) == 0 {
		return DefaultPriorityFeeLamports
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	fee := percentile(values, 75)
	if fee > MaxPriorityFeeLamports {
		fee = MaxPriorityFeeLamports
	}
	return fee
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
