// Package score combines several weak, independently defeatable signals
// into one explainable, deterministic decision. Scoring is purely
// additive and order-independent; classification applies a strict
// priority so the hard gates (rate limit, forgery, honeypot) can never
// be outscored by soft signals.
package score

import (
	"time"

	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/ratelimit"
	"github.com/wudi/leadguard/internal/token"
)

// Action is the four-way outcome of one evaluation.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionSuspect     Action = "suspect"
	ActionBlocked     Action = "blocked"
	ActionRateLimited Action = "rate_limited"
)

// Facts are the scorer's inputs, gathered once per submission.
type Facts struct {
	HoneypotHit      bool
	Token            token.Validation
	RateLimit        ratelimit.Result
	HasReferrer      bool
	HasOrigin        bool
	TimeOnPage       time.Duration
	TimeOnPageKnown  bool
	HasSessionCookie bool
	UACount          int64
	DisposableEmail  bool
}

// Thresholds are the tunable scoring parameters.
type Thresholds struct {
	Suspect      int
	Block        int
	FastSubmit   time.Duration
	UABurstLimit int
}

// ThresholdsFrom extracts Thresholds from config.
func ThresholdsFrom(cfg config.ScoringConfig) Thresholds {
	return Thresholds{
		Suspect:      cfg.SuspectThreshold,
		Block:        cfg.BlockThreshold,
		FastSubmit:   cfg.FastSubmit,
		UABurstLimit: cfg.UABurstLimit,
	}
}

// rule is one row of the scoring table: a predicate, its weight and the
// reason it records. Adding or tuning a signal means editing this table,
// never the evaluation loop.
type rule struct {
	weight int
	reason func(f *Facts) string
	hit    func(f *Facts, t Thresholds) bool
}

func staticReason(code string) func(*Facts) string {
	return func(*Facts) string { return code }
}

func tokenReason(f *Facts) string {
	kind := f.Token.Error
	if kind == "" {
		kind = token.ErrInvalid
	}
	return "token:" + kind
}

// rules is the fixed ordered scoring table. Weights 999 mark the hard
// gates that force a block on their own.
var rules = []rule{
	{999, staticReason("honeypot"), func(f *Facts, _ Thresholds) bool {
		return f.HoneypotHit
	}},
	{999, tokenReason, func(f *Facts, _ Thresholds) bool {
		return !f.Token.Valid
	}},
	{4, staticReason("rate_limit"), func(f *Facts, _ Thresholds) bool {
		return f.RateLimit.Exceeded
	}},
	{2, staticReason("no_ref_or_origin"), func(f *Facts, _ Thresholds) bool {
		return !f.HasReferrer && !f.HasOrigin
	}},
	{3, staticReason("fast_submit"), func(f *Facts, t Thresholds) bool {
		return f.TimeOnPageKnown && f.TimeOnPage < t.FastSubmit
	}},
	{2, staticReason("no_session"), func(f *Facts, _ Thresholds) bool {
		return !f.HasSessionCookie
	}},
	{2, staticReason("ua_burst"), func(f *Facts, t Thresholds) bool {
		return f.UACount > 0 && t.UABurstLimit > 0 && f.UACount >= int64(t.UABurstLimit)
	}},
	{2, staticReason("disposable_email"), func(f *Facts, _ Thresholds) bool {
		return f.DisposableEmail
	}},
}

// Evaluate runs the scoring table and returns the total score with the
// reasons that fired, in table order.
func Evaluate(f *Facts, t Thresholds) (int, []string) {
	score := 0
	var reasons []string
	for _, r := range rules {
		if r.hit(f, t) {
			score += r.weight
			reasons = append(reasons, r.reason(f))
		}
	}
	return score, reasons
}

// Classify maps facts and score to an action. Priority order is strict
// and the first match wins: rate limit, then the binary security gates,
// then the score thresholds.
func Classify(f *Facts, score int, t Thresholds) Action {
	switch {
	case f.RateLimit.Exceeded:
		return ActionRateLimited
	case f.HoneypotHit || !f.Token.Valid:
		return ActionBlocked
	case score >= t.Block:
		return ActionBlocked
	case score >= t.Suspect:
		return ActionSuspect
	default:
		return ActionAllow
	}
}
