package safety

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/tidwall/gjson"
)

// RugCheck queries the rugcheck.xyz report summary.
//
//	GET {base}/v1/tokens/{mint}/report/summary
//
// score_normalised is a 0-100 risk figure; the safety score is its inverse.
type RugCheck struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRugCheck creates the provider. An empty baseURL uses the public API.
func NewRugCheck(baseURL, apiKey string) *RugCheck {
	if baseURL == "" {
		baseURL = "https://api.rugcheck.xyz"
	}
	return &RugCheck{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (p *RugCheck) Name() string { return "rugcheck" }

func (p *RugCheck) CheckToken(ctx context.Context, mint string) (Report, error) {
	header := http.Header{}
	if p.apiKey != "" {
		header.Set("Authorization", p.apiKey)
	}
	body, err := getJSON(ctx, p.client, fmt.Sprintf("%s/v1/tokens/%s/report/summary", p.baseURL, mint), header)
	if err != nil {
		return Report{}, fmt.Errorf("rugcheck: %w", err)
	}
	return parseRugCheck(body)
}

func parseRugCheck(body []byte) (Report, error) {
	if !gjson.ValidBytes(body) {
		return Report{}, fmt.Errorf("rugcheck: invalid JSON")
	}
	parsed := gjson.ParseBytes(body)

	risks := parsed.Get("risks")
	normalised := parsed.Get("score_normalised")
	if !normalised.Exists() && !risks.Exists() {
		return Report{}, fmt.Errorf("rugcheck: report has neither score nor risks")
	}

	r := Report{Checks: map[domain.Check]domain.CheckStatus{
		domain.CheckRugRisk:    domain.CheckPass,
		domain.CheckHoneypot:   domain.CheckPass,
		domain.CheckTaxAnomaly: domain.CheckPass,
	}}

	derived := 100.0
	risks.ForEach(func(_, risk gjson.Result) bool {
		name := risk.Get("name").String()
		level := strings.ToLower(risk.Get("level").String())
		lower := strings.ToLower(name)

		severe := level == "danger" || level == "critical" || level == "high"
		switch {
		case severe:
			derived -= 30
		case level == "warn":
			derived -= 10
		}
		if !severe {
			return true
		}

		r.Reasons = append(r.Reasons, name)
		switch {
		case strings.Contains(lower, "honeypot"), strings.Contains(lower, "freeze"):
			r.Checks[domain.CheckHoneypot] = domain.CheckFail
		case strings.Contains(lower, "transfer fee"), strings.Contains(lower, "tax"):
			r.Checks[domain.CheckTaxAnomaly] = domain.CheckFail
		case strings.Contains(lower, "mint"), strings.Contains(lower, "rug"),
			strings.Contains(lower, "liquidity"), strings.Contains(lower, "lp "):
			r.Checks[domain.CheckRugRisk] = domain.CheckFail
		}
		return true
	})

	if normalised.Exists() {
		r.Score = 100 - normalised.Float()
	} else {
		r.Score = derived
	}
	r.Score = clampScore(r.Score)
	return r, nil
}
