package scanner

import (
	"bytes"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

func cleanSnapshot() domain.TokenSnapshot {
	return domain.TokenSnapshot{
		Mint:         addr(1),
		Symbol:       "GOOD",
		LiquiditySOL: decimal.NewFromInt(20),
		PriceSOL:     decimal.RequireFromString("0.000001"),
		HolderCount:  50,
		TopHolderPct: 12,
		Creator:      addr(2),
		ObservedAt:   time.Now(),
	}
}

func cleanVerdict(mint string) domain.SafetyVerdict {
	now := time.Now()
	return domain.SafetyVerdict{
		Mint:  mint,
		Score: 85,
		Checks: map[domain.Check]domain.CheckStatus{
			domain.CheckBlacklist:  domain.CheckPass,
			domain.CheckRugRisk:    domain.CheckPass,
			domain.CheckHoneypot:   domain.CheckPass,
			domain.CheckTaxAnomaly: domain.CheckPass,
		},
		EvaluatedAt: now,
		ValidUntil:  now.Add(time.Minute),
	}
}

func TestApply_AcceptsCleanToken(t *testing.T) {
	snap := cleanSnapshot()
	res := Apply(snap, cleanVerdict(snap.Mint), DefaultConfig())

	assert.True(t, res.Accepted)
	assert.Empty(t, res.FailingRule)
	assert.Len(t, res.Outcomes, 7)
	assert.Empty(t, res.Reason())
}

func TestApply_LowLiquidityRejected(t *testing.T) {
	snap := cleanSnapshot()
	snap.LiquiditySOL = decimal.NewFromFloat(3.0)
	cfg := DefaultConfig()
	cfg.MinLiquiditySOL = 5.0

	res := Apply(snap, cleanVerdict(snap.Mint), cfg)

	require.False(t, res.Accepted)
	assert.Equal(t, RuleLiquidity, res.FailingRule)
	assert.Len(t, res.Outcomes, 3, "evaluation stops at the first failure")
	assert.Equal(t, "liquidity: liquidity 3 < min 5", res.Reason())
}

func TestApply_RuleOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.TokenSnapshot, *domain.SafetyVerdict, *Config)
		rule   string
	}{
		{"blacklisted beats everything", func(s *domain.TokenSnapshot, v *domain.SafetyVerdict, _ *Config) {
			v.Checks[domain.CheckBlacklist] = domain.CheckFail
			v.Score = 0
			s.LiquiditySOL = decimal.Zero
		}, RuleBlacklist},
		{"low score", func(_ *domain.TokenSnapshot, v *domain.SafetyVerdict, _ *Config) {
			v.Score = 40
		}, RuleSafety},
		{"rug risk", func(_ *domain.TokenSnapshot, v *domain.SafetyVerdict, _ *Config) {
			v.Checks[domain.CheckRugRisk] = domain.CheckFail
		}, RuleSafety},
		{"honeypot", func(_ *domain.TokenSnapshot, v *domain.SafetyVerdict, _ *Config) {
			v.Checks[domain.CheckHoneypot] = domain.CheckFail
		}, RuleSafety},
		{"unknown honeypot when strict", func(_ *domain.TokenSnapshot, v *domain.SafetyVerdict, c *Config) {
			delete(v.Checks, domain.CheckHoneypot)
			c.RejectUnknownHoneypot = true
		}, RuleSafety},
		{"verdict for another mint", func(_ *domain.TokenSnapshot, v *domain.SafetyVerdict, _ *Config) {
			v.Mint = addr(9)
		}, RuleSafety},
		{"few holders", func(s *domain.TokenSnapshot, _ *domain.SafetyVerdict, _ *Config) {
			s.HolderCount = 3
		}, RuleHolders},
		{"concentrated", func(s *domain.TokenSnapshot, _ *domain.SafetyVerdict, _ *Config) {
			s.TopHolderPct = 80
		}, RuleConcentration},
		{"serial creator", func(s *domain.TokenSnapshot, _ *domain.SafetyVerdict, _ *Config) {
			s.CreatorTokenCount = 10
		}, RuleCreatorLimit},
		{"sell tax", func(s *domain.TokenSnapshot, _ *domain.SafetyVerdict, _ *Config) {
			s.SellTaxPct = 25
		}, RuleTax},
		{"tax anomaly", func(_ *domain.TokenSnapshot, v *domain.SafetyVerdict, _ *Config) {
			v.Checks[domain.CheckTaxAnomaly] = domain.CheckFail
		}, RuleTax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := cleanSnapshot()
			verdict := cleanVerdict(snap.Mint)
			cfg := DefaultConfig()
			tt.mutate(&snap, &verdict, &cfg)

			res := Apply(snap, verdict, cfg)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.rule, res.FailingRule)
		})
	}
}

func TestApply_UnknownHoneypotAllowedByDefault(t *testing.T) {
	snap := cleanSnapshot()
	verdict := cleanVerdict(snap.Mint)
	delete(verdict.Checks, domain.CheckHoneypot)

	assert.True(t, Apply(snap, verdict, DefaultConfig()).Accepted)
}

func TestApply_Deterministic(t *testing.T) {
	snap := cleanSnapshot()
	snap.HolderCount = 2
	verdict := cleanVerdict(snap.Mint)
	cfg := DefaultConfig()

	first := Apply(snap, verdict, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Apply(snap, verdict, cfg))
	}
}

func TestPipeline_StatsAndReload(t *testing.T) {
	p := NewPipeline(DefaultConfig())

	snap := cleanSnapshot()
	verdict := cleanVerdict(snap.Mint)
	assert.True(t, p.Apply(snap, verdict).Accepted)

	snap.LiquiditySOL = decimal.NewFromInt(1)
	assert.False(t, p.Apply(snap, verdict).Accepted)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.TotalChecked)
	assert.Equal(t, int64(1), stats.TotalPassed)
	assert.Equal(t, int64(1), stats.RuleCounts[RuleLiquidity])
	assert.InDelta(t, 50.0, stats.PassRate, 0.001)

	cfg := p.Config()
	cfg.MinLiquiditySOL = 0.5
	p.SetConfig(cfg)
	assert.True(t, p.Apply(snap, verdict).Accepted)
}

func TestCreatorHistory(t *testing.T) {
	h := NewCreatorHistory(time.Hour)
	base := time.Now()
	creator := addr(2)

	assert.Equal(t, 0, h.Observe(creator, addr(10), base))
	assert.Equal(t, 1, h.Observe(creator, addr(11), base.Add(time.Minute)))
	assert.Equal(t, 1, h.Observe(creator, addr(11), base.Add(2*time.Minute)), "same mint counted once")
	assert.Equal(t, 2, h.Observe(creator, addr(12), base.Add(3*time.Minute)))

	// Outside the window only the recent launches count.
	assert.Equal(t, 1, h.Observe(creator, addr(13), base.Add(62*time.Minute)))

	assert.Equal(t, 0, h.Observe("", addr(14), base))
	assert.Equal(t, 1, h.Len())

	assert.Equal(t, 1, h.Cleanup(base.Add(3*time.Hour)))
	assert.Equal(t, 0, h.Len())
}
