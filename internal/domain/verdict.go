package domain

import (
	"fmt"
	"time"
)

// Check names a single safety check.
type Check string

const (
	CheckBlacklist  Check = "blacklist"
	CheckRugRisk    Check = "rug_risk"
	CheckHoneypot   Check = "honeypot"
	CheckTaxAnomaly Check = "tax_anomaly"
)

// AllChecks lists the checks every verdict reports on, in display order.
var AllChecks = []Check{CheckBlacklist, CheckRugRisk, CheckHoneypot, CheckTaxAnomaly}

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckUnknown CheckStatus = "unknown"
)

// SafetyVerdict is the consolidated result of one safety evaluation.
type SafetyVerdict struct {
	Mint        string                `json:"mint"`
	Score       float64               `json:"score"` // 0-100, higher is safer
	Checks      map[Check]CheckStatus `json:"checks"`
	Reasons     []string              `json:"reasons,omitempty"`
	Providers   []string              `json:"providers"`             // providers that answered
	Missing     []string              `json:"missing,omitempty"`     // providers that did not
	EvaluatedAt time.Time             `json:"evaluated_at"`
	ValidUntil  time.Time             `json:"valid_until"`
}

// Status returns the status of a check, unknown when not reported.
func (v SafetyVerdict) Status(c Check) CheckStatus {
	if s, ok := v.Checks[c]; ok {
		return s
	}
	return CheckUnknown
}

// Fresh reports whether the verdict may still be acted on at now.
func (v SafetyVerdict) Fresh(now time.Time) bool {
	return !now.After(v.ValidUntil)
}

// RequireFresh returns ErrStaleVerdict once the validity window has passed.
func (v SafetyVerdict) RequireFresh(now time.Time) error {
	if v.Fresh(now) {
		return nil
	}
	return fmt.Errorf("verdict for %s expired %s ago: %w",
		ShortAddress(v.Mint), now.Sub(v.ValidUntil).Round(time.Millisecond), ErrStaleVerdict)
}

// RuleOutcome is the result of one filter rule.
type RuleOutcome struct {
	Rule   string `json:"rule"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// FilterResult is the pipeline outcome for one snapshot. Outcomes holds the
// rules evaluated up to and including the first failure.
type FilterResult struct {
	Accepted    bool          `json:"accepted"`
	FailingRule string        `json:"failing_rule,omitempty"`
	Outcomes    []RuleOutcome `json:"outcomes"`
}

// Reason returns the failing rule detail, or "" for accepted results.
func (r FilterResult) Reason() string {
	if r.Accepted || len(r.Outcomes) == 0 {
		return ""
	}
	last := r.Outcomes[len(r.Outcomes)-1]
	if last.Detail == "" {
		return last.Rule
	}
	return last.Rule + ": " + last.Detail
}
