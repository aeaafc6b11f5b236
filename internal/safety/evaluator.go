// Package safety consolidates the local blacklist and external security
// providers into one SafetyVerdict per token.
package safety

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Report is one provider's answer. Checks it does not cover are simply
// absent. Score is 0-100, higher is safer.
type Report struct {
	Score   float64
	Checks  map[domain.Check]domain.CheckStatus
	Reasons []string
}

// Provider is an external safety check.
type Provider interface {
	Name() string
	CheckToken(ctx context.Context, mint string) (Report, error)
}

// Source is a provider with its weight and call budget.
type Source struct {
	Provider Provider
	Weight   float64
	Timeout  time.Duration
}

// Subject identifies what to evaluate. Creator is optional.
type Subject struct {
	Mint    string
	Creator string
}

// Config configures the evaluator.
type Config struct {
	VerdictTTL time.Duration `yaml:"verdict_ttl"`
	Retry      retry.Policy  `yaml:"retry"`
}

// Evaluator produces SafetyVerdicts. Safe for concurrent use.
type Evaluator struct {
	config    Config
	blacklist *Blacklist
	sources   []Source
	now       func() time.Time

	evaluations   atomic.Int64
	blacklistHits atomic.Int64
	unavailable   atomic.Int64
	providerErrs  []atomic.Int64
}

// NewEvaluator creates an evaluator. Sources with a non-positive weight
// still run but do not move the score.
func NewEvaluator(config Config, blacklist *Blacklist, sources ...Source) *Evaluator {
	if config.VerdictTTL <= 0 {
		config.VerdictTTL = 60 * time.Second
	}
	if blacklist == nil {
		blacklist = NewBlacklist()
	}
	return &Evaluator{
		config:       config,
		blacklist:    blacklist,
		sources:      sources,
		now:          time.Now,
		providerErrs: make([]atomic.Int64, len(sources)),
	}
}

// Blacklist returns the evaluator's blacklist.
func (e *Evaluator) Blacklist() *Blacklist { return e.blacklist }

type answer struct {
	report Report
	err    error
}

// Evaluate returns the consolidated verdict for subj.
//
// A blacklisted mint or creator short-circuits with score 0 and no provider
// calls. Otherwise every provider is queried concurrently; a provider that
// errors contributes nothing and its checks stay unknown. When no provider
// answers the result is domain.ErrProviderUnavailable.
func (e *Evaluator) Evaluate(ctx context.Context, subj Subject) (domain.SafetyVerdict, error) {
	e.evaluations.Add(1)
	now := e.now()

	if entry, hit := e.blacklist.Lookup(subj.Mint, subj.Creator); hit {
		e.blacklistHits.Add(1)
		log.Info().
			Str("mint", domain.ShortAddress(subj.Mint)).
			Str("listed", domain.ShortAddress(entry.Address)).
			Str("reason", entry.Reason).
			Msg("safety: blacklist hit")
		return domain.SafetyVerdict{
			Mint:        subj.Mint,
			Score:       0,
			Checks:      map[domain.Check]domain.CheckStatus{domain.CheckBlacklist: domain.CheckFail},
			Reasons:     []string{blacklistReason(subj, entry)},
			EvaluatedAt: now,
			ValidUntil:  now.Add(e.config.VerdictTTL),
		}, nil
	}

	answers := make([]answer, len(e.sources))
	var g errgroup.Group
	for i, src := range e.sources {
		g.Go(func() error {
			answers[i] = e.query(ctx, src, subj.Mint)
			return nil
		})
	}
	_ = g.Wait()

	verdict := e.merge(subj.Mint, answers)
	verdict.EvaluatedAt = now
	verdict.ValidUntil = now.Add(e.config.VerdictTTL)

	if len(verdict.Providers) == 0 {
		e.unavailable.Add(1)
		return domain.SafetyVerdict{}, fmt.Errorf("safety: %s: all %d providers failed: %w",
			domain.ShortAddress(subj.Mint), len(e.sources), domain.ErrProviderUnavailable)
	}

	log.Debug().
		Str("mint", domain.ShortAddress(subj.Mint)).
		Float64("score", verdict.Score).
		Strs("providers", verdict.Providers).
		Strs("missing", verdict.Missing).
		Msg("safety: verdict")
	return verdict, nil
}

func (e *Evaluator) query(ctx context.Context, src Source, mint string) answer {
	var report Report
	err := e.config.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx := ctx
		if src.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, src.Timeout)
			defer cancel()
		}
		r, err := src.Provider.CheckToken(callCtx, mint)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	return answer{report: report, err: err}
}

// merge folds provider answers into a verdict. The score is the weighted
// mean over responders only. A check fails if any responder fails it,
// passes if some responder passes it, and is unknown otherwise.
func (e *Evaluator) merge(mint string, answers []answer) domain.SafetyVerdict {
	v := domain.SafetyVerdict{
		Mint:   mint,
		Checks: map[domain.Check]domain.CheckStatus{domain.CheckBlacklist: domain.CheckPass},
	}

	var weighted, weights float64
	for i, a := range answers {
		name := e.sources[i].Provider.Name()
		if a.err != nil {
			e.providerErrs[i].Add(1)
			v.Missing = append(v.Missing, name)
			log.Warn().Err(a.err).Str("provider", name).Str("mint", domain.ShortAddress(mint)).Msg("safety: provider failed")
			continue
		}
		v.Providers = append(v.Providers, name)

		if w := e.sources[i].Weight; w > 0 {
			weighted += clampScore(a.report.Score) * w
			weights += w
		}
		for check, status := range a.report.Checks {
			if check == domain.CheckBlacklist {
				continue
			}
			switch {
			case status == domain.CheckFail:
				v.Checks[check] = domain.CheckFail
			case status == domain.CheckPass && v.Checks[check] != domain.CheckFail:
				v.Checks[check] = domain.CheckPass
			}
		}
		for _, r := range a.report.Reasons {
			v.Reasons = append(v.Reasons, name+": "+r)
		}
	}

	for _, c := range domain.AllChecks {
		if _, ok := v.Checks[c]; !ok {
			v.Checks[c] = domain.CheckUnknown
		}
	}
	if weights > 0 {
		v.Score = weighted / weights
	}
	return v
}

func blacklistReason(subj Subject, entry domain.BlacklistEntry) string {
	kind := "token"
	if entry.Address != subj.Mint {
		kind = "creator"
	}
	if entry.Reason == "" {
		return "blacklisted " + kind
	}
	return "blacklisted " + kind + ": " + entry.Reason
}

func clampScore(s float64) float64 {
	return max(0, min(100, s))
}

// Stats are evaluator counters.
type Stats struct {
	Evaluations    int64            `json:"evaluations"`
	BlacklistHits  int64            `json:"blacklist_hits"`
	Unavailable    int64            `json:"unavailable"`
	BlacklistSize  int              `json:"blacklist_size"`
	ProviderErrors map[string]int64 `json:"provider_errors"`
}

func (e *Evaluator) Stats() Stats {
	errs := make(map[string]int64, len(e.sources))
	for i, src := range e.sources {
		errs[src.Provider.Name()] = e.providerErrs[i].Load()
	}
	return Stats{
		Evaluations:    e.evaluations.Load(),
		BlacklistHits:  e.blacklistHits.Load(),
		Unavailable:    e.unavailable.Load(),
		BlacklistSize:  e.blacklist.Len(),
		ProviderErrors: errs,
	}
}
