package safety

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/tidwall/gjson"
)

// GoPlus queries the GoPlus Solana token security API.
//
//	GET {base}/api/v1/solana/token_security?contract_addresses={mint}
type GoPlus struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// goplusMaxFeeBps is the transfer fee above which a token is flagged.
const goplusMaxFeeBps = 1000

// NewGoPlus creates the provider. An empty baseURL uses the public API.
func NewGoPlus(baseURL, apiKey string) *GoPlus {
	if baseURL == "" {
		baseURL = "https://api.gopluslabs.io"
	}
	return &GoPlus{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (p *GoPlus) Name() string { return "goplus" }

func (p *GoPlus) CheckToken(ctx context.Context, mint string) (Report, error) {
	header := http.Header{}
	if p.apiKey != "" {
		header.Set("Authorization", p.apiKey)
	}
	target := p.baseURL + "/api/v1/solana/token_security?contract_addresses=" + url.QueryEscape(mint)
	body, err := getJSON(ctx, p.client, target, header)
	if err != nil {
		return Report{}, fmt.Errorf("goplus: %w", err)
	}
	return parseGoPlus(body, mint)
}

func parseGoPlus(body []byte, mint string) (Report, error) {
	if !gjson.ValidBytes(body) {
		return Report{}, fmt.Errorf("goplus: invalid JSON")
	}
	parsed := gjson.ParseBytes(body)
	if code := parsed.Get("code").Int(); code != 1 {
		return Report{}, fmt.Errorf("goplus: code %d: %s", code, parsed.Get("message").String())
	}
	res := parsed.Get("result." + mint)
	if !res.Exists() || res.Type == gjson.Null {
		return Report{}, fmt.Errorf("goplus: no data for %s yet", domain.ShortAddress(mint))
	}

	r := Report{Checks: map[domain.Check]domain.CheckStatus{
		domain.CheckRugRisk:    domain.CheckPass,
		domain.CheckHoneypot:   domain.CheckPass,
		domain.CheckTaxAnomaly: domain.CheckPass,
	}}
	flags := 0
	flag := func(check domain.Check, reason string) {
		r.Checks[check] = domain.CheckFail
		r.Reasons = append(r.Reasons, reason)
		flags++
	}

	if res.Get("mintable.status").String() == "1" {
		flag(domain.CheckRugRisk, "mint authority active")
	}
	if res.Get("closable.status").String() == "1" {
		flag(domain.CheckRugRisk, "accounts closable by authority")
	}
	if res.Get("freezable.status").String() == "1" {
		flag(domain.CheckHoneypot, "freeze authority active")
	}
	if res.Get("non_transferable").String() == "1" {
		flag(domain.CheckHoneypot, "token is non-transferable")
	}
	if res.Get("balance_mutable_authority.status").String() == "1" {
		flag(domain.CheckHoneypot, "balances mutable by authority")
	}
	if res.Get("transfer_fee_upgradable.status").String() == "1" {
		flag(domain.CheckTaxAnomaly, "transfer fee upgradable")
	}
	if bps := res.Get("transfer_fee.current_fee_rate.fee_rate").Float(); bps > goplusMaxFeeBps {
		flag(domain.CheckTaxAnomaly, fmt.Sprintf("transfer fee %.0fbps", bps))
	}

	switch {
	case res.Get("trusted_token").Int() == 1:
		r.Score = 100
	default:
		r.Score = clampScore(100 - 25*float64(flags))
	}
	return r, nil
}
