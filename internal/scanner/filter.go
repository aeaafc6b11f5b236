package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Filter pipeline: ordered, short-circuiting predicates, zero external calls
// ---------------------------------------------------------------------------

// Rule names, in evaluation order.
const (
	RuleBlacklist     = "blacklist"
	RuleSafety        = "safety"
	RuleLiquidity     = "liquidity"
	RuleHolders       = "holders"
	RuleConcentration = "concentration"
	RuleCreatorLimit  = "creator_limit"
	RuleTax           = "tax"
)

// Config holds the filter thresholds.
type Config struct {
	MinSafetyScore        float64 `yaml:"min_safety_score"`
	MinLiquiditySOL       float64 `yaml:"min_liquidity_sol"`
	MinHolders            int     `yaml:"min_holders"`
	MaxTopHolderPct       float64 `yaml:"max_top_holder_pct"`
	MaxCreatorTokens      int     `yaml:"max_creator_tokens"` // 0 = no limit
	MaxBuyTaxPct          float64 `yaml:"max_buy_tax_pct"`
	MaxSellTaxPct         float64 `yaml:"max_sell_tax_pct"`
	RejectUnknownHoneypot bool    `yaml:"reject_unknown_honeypot"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinSafetyScore:   60,
		MinLiquiditySOL:  5,
		MinHolders:       10,
		MaxTopHolderPct:  30,
		MaxCreatorTokens: 3,
		MaxBuyTaxPct:     5,
		MaxSellTaxPct:    5,
	}
}

type rule struct {
	name  string
	check func(domain.TokenSnapshot, domain.SafetyVerdict, Config) (bool, string)
}

var rules = []rule{
	{RuleBlacklist, checkBlacklist},
	{RuleSafety, checkSafety},
	{RuleLiquidity, checkLiquidity},
	{RuleHolders, checkHolders},
	{RuleConcentration, checkConcentration},
	{RuleCreatorLimit, checkCreatorLimit},
	{RuleTax, checkTax},
}

// Apply runs the rules in order and stops at the first failure. It reads
// nothing but its arguments, so identical inputs give identical results.
func Apply(snap domain.TokenSnapshot, verdict domain.SafetyVerdict, cfg Config) domain.FilterResult {
	result := domain.FilterResult{Outcomes: make([]domain.RuleOutcome, 0, len(rules))}
	for _, r := range rules {
		passed, detail := r.check(snap, verdict, cfg)
		result.Outcomes = append(result.Outcomes, domain.RuleOutcome{Rule: r.name, Passed: passed, Detail: detail})
		if !passed {
			result.FailingRule = r.name
			return result
		}
	}
	result.Accepted = true
	return result
}

func checkBlacklist(_ domain.TokenSnapshot, v domain.SafetyVerdict, _ Config) (bool, string) {
	if v.Status(domain.CheckBlacklist) == domain.CheckFail {
		return false, "listed: " + strings.Join(v.Reasons, "; ")
	}
	return true, ""
}

func checkSafety(s domain.TokenSnapshot, v domain.SafetyVerdict, cfg Config) (bool, string) {
	if v.Mint != s.Mint {
		return false, "verdict belongs to another token"
	}
	if v.Status(domain.CheckRugRisk) == domain.CheckFail {
		return false, "rug risk flagged"
	}
	switch v.Status(domain.CheckHoneypot) {
	case domain.CheckFail:
		return false, "honeypot flagged"
	case domain.CheckUnknown:
		if cfg.RejectUnknownHoneypot {
			return false, "honeypot check unavailable"
		}
	}
	if v.Score < cfg.MinSafetyScore {
		return false, fmt.Sprintf("score %.1f < min %.1f", v.Score, cfg.MinSafetyScore)
	}
	return true, ""
}

func checkLiquidity(s domain.TokenSnapshot, _ domain.SafetyVerdict, cfg Config) (bool, string) {
	minLiq := decimal.NewFromFloat(cfg.MinLiquiditySOL)
	if s.LiquiditySOL.LessThan(minLiq) {
		return false, "liquidity " + s.LiquiditySOL.String() + " < min " + minLiq.String()
	}
	return true, ""
}

func checkHolders(s domain.TokenSnapshot, _ domain.SafetyVerdict, cfg Config) (bool, string) {
	if s.HolderCount < cfg.MinHolders {
		return false, fmt.Sprintf("holders %d < min %d", s.HolderCount, cfg.MinHolders)
	}
	return true, ""
}

func checkConcentration(s domain.TokenSnapshot, _ domain.SafetyVerdict, cfg Config) (bool, string) {
	if s.TopHolderPct > cfg.MaxTopHolderPct {
		return false, fmt.Sprintf("top holders %.1f%% > max %.1f%%", s.TopHolderPct, cfg.MaxTopHolderPct)
	}
	return true, ""
}

func checkCreatorLimit(s domain.TokenSnapshot, _ domain.SafetyVerdict, cfg Config) (bool, string) {
	if cfg.MaxCreatorTokens > 0 && s.CreatorTokenCount > cfg.MaxCreatorTokens {
		return false, fmt.Sprintf("creator launched %d tokens > max %d", s.CreatorTokenCount, cfg.MaxCreatorTokens)
	}
	return true, ""
}

func checkTax(s domain.TokenSnapshot, v domain.SafetyVerdict, cfg Config) (bool, string) {
	if s.BuyTaxPct > cfg.MaxBuyTaxPct {
		return false, fmt.Sprintf("buy tax %.1f%% > max %.1f%%", s.BuyTaxPct, cfg.MaxBuyTaxPct)
	}
	if s.SellTaxPct > cfg.MaxSellTaxPct {
		return false, fmt.Sprintf("sell tax %.1f%% > max %.1f%%", s.SellTaxPct, cfg.MaxSellTaxPct)
	}
	if v.Status(domain.CheckTaxAnomaly) == domain.CheckFail {
		return false, "tax anomaly flagged"
	}
	return true, ""
}

// Pipeline applies the rules with a swappable config and keeps rejection
// counters. Reloading swaps the whole config; a run in progress keeps the
// one it started with.
type Pipeline struct {
	config atomic.Pointer[Config]

	totalChecked atomic.Int64
	totalPassed  atomic.Int64
	ruleCounts   [7]atomic.Int64
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{}
	p.config.Store(&cfg)
	return p
}

// SetConfig installs a new threshold snapshot.
func (p *Pipeline) SetConfig(cfg Config) {
	p.config.Store(&cfg)
	log.Info().
		Float64("min_liquidity_sol", cfg.MinLiquiditySOL).
		Float64("min_safety_score", cfg.MinSafetyScore).
		Msg("filter: thresholds updated")
}

// Config returns the current thresholds.
func (p *Pipeline) Config() Config { return *p.config.Load() }

// Apply runs the rules against the current config.
func (p *Pipeline) Apply(snap domain.TokenSnapshot, verdict domain.SafetyVerdict) domain.FilterResult {
	p.totalChecked.Add(1)
	res := Apply(snap, verdict, *p.config.Load())
	if res.Accepted {
		p.totalPassed.Add(1)
		return res
	}
	for i, r := range rules {
		if r.name == res.FailingRule {
			p.ruleCounts[i].Add(1)
			break
		}
	}
	log.Debug().
		Str("mint", domain.ShortAddress(snap.Mint)).
		Str("rule", res.FailingRule).
		Str("reason", res.Reason()).
		Msg("filter: token rejected")
	return res
}

// Stats are pipeline counters.
type Stats struct {
	TotalChecked int64            `json:"total_checked"`
	TotalPassed  int64            `json:"total_passed"`
	PassRate     float64          `json:"pass_rate_pct"`
	RuleCounts   map[string]int64 `json:"rule_counts"`
}

func (p *Pipeline) Stats() Stats {
	checked := p.totalChecked.Load()
	passed := p.totalPassed.Load()
	passRate := 0.0
	if checked > 0 {
		passRate = float64(passed) / float64(checked) * 100
	}
	counts := make(map[string]int64, len(rules))
	for i, r := range rules {
		counts[r.name] = p.ruleCounts[i].Load()
	}
	return Stats{TotalChecked: checked, TotalPassed: passed, PassRate: passRate, RuleCounts: counts}
}

// Enricher fills in on-chain data (holders, taxes) the feed cannot supply.
type Enricher interface {
	Enrich(ctx context.Context, snap domain.TokenSnapshot) (domain.TokenSnapshot, error)
}
