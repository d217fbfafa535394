// Package engine ties the signal extractors, token protocol, rate
// limiter and scorer into a single evaluation entry point. One call to
// Evaluate turns a raw form submission into an action plus the full
// fact snapshot the audit log and digest consume.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/digest"
	"github.com/wudi/leadguard/internal/logging"
	"github.com/wudi/leadguard/internal/metrics"
	"github.com/wudi/leadguard/internal/ratelimit"
	"github.com/wudi/leadguard/internal/score"
	"github.com/wudi/leadguard/internal/signal"
	"github.com/wudi/leadguard/internal/store"
	"github.com/wudi/leadguard/internal/token"
)

// Field clamp limits applied before anything is stored or logged.
const (
	maxUserAgent      = 1024
	maxAcceptLanguage = 512
	maxReferer        = 600
	maxOrigin         = 300
	maxPath           = 300
	maxCountry        = 12
	maxASN            = 40
	maxASNOrg         = 200
)

// Deps are the shared backends an Engine runs against.
type Deps struct {
	Counters store.Store
	Nonces   store.Store
	ASN      signal.ASNResolver // optional
	Digest   *digest.Reporter   // optional
	Metrics  *metrics.Collector
}

// Evaluation is the full outcome of one submission check.
type Evaluation struct {
	Action  score.Action
	Score   int
	Reasons []string

	TokenValid      bool
	TokenError      string
	TokenAgeSeconds int
	TimeOnPageMS    int64

	IPAddress        string
	Subnet           string
	Country          string
	ASN              string
	ASNOrg           string
	UserAgent        string
	AcceptLanguage   string
	Referer          string
	Origin           string
	Path             string
	SessionKeyHash   string
	EmailDomain      string
	UACount          int64
	HasSessionCookie bool
	HoneypotHit      bool

	RateLimit ratelimit.Result
}

// Engine evaluates form submissions.
type Engine struct {
	cfg        *config.Config
	tokens     *token.Manager
	limiter    *ratelimit.Limiter
	thresholds score.Thresholds
	disposable signal.DomainSet
	deps       Deps

	now func() time.Time
}

// New wires an Engine from config and shared backends.
func New(cfg *config.Config, deps Deps) *Engine {
	domains := config.DefaultDisposableDomains
	if len(cfg.Signals.DisposableDomains) > 0 {
		domains = cfg.Signals.DisposableDomains
	}
	return &Engine{
		cfg:        cfg,
		tokens:     token.NewManager(cfg.Token, cfg.Purposes, deps.Nonces),
		limiter:    ratelimit.New(cfg.RateLimit, cfg.PurposeLimits, deps.Counters),
		thresholds: score.ThresholdsFrom(cfg.Scoring),
		disposable: signal.NewDomainSet(domains),
		deps:       deps,
		now:        time.Now,
	}
}

// ValidPurpose reports whether a purpose may be evaluated. With no
// purposes configured every purpose is accepted.
func (e *Engine) ValidPurpose(purpose string) bool {
	if len(e.cfg.Purposes) == 0 {
		return true
	}
	_, ok := e.cfg.Purposes[purpose]
	return ok
}

// IssueToken mints a fresh single-use form token bound to the session.
func (e *Engine) IssueToken(sessionID, purpose string) (string, error) {
	return e.tokens.Issue(sessionID, purpose)
}

// TokenMaxAge is the token and nonce lifetime.
func (e *Engine) TokenMaxAge() time.Duration {
	return e.tokens.MaxAge()
}

// TokenStatus exposes token counters for the status endpoint.
func (e *Engine) TokenStatus() token.Status {
	return e.tokens.Status()
}

// LimiterStatus exposes rate limiter counters for the status endpoint.
func (e *Engine) LimiterStatus() ratelimit.Status {
	return e.limiter.Status()
}

// Evaluate runs every check against a parsed form submission. The
// request form must already be parsed. The returned Evaluation always
// carries the complete signal snapshot, whatever the action.
func (e *Engine) Evaluate(ctx context.Context, purpose string, r *http.Request, email string) *Evaluation {
	now := e.now()
	sig := e.cfg.Signals

	ip := signal.ClientIP(r, sig.ClientIPHeader)
	subnet := signal.SubnetBucket(ip)
	sessionID := signal.SessionID(r, sig.SessionCookie)
	ua := signal.Clamp(r.UserAgent(), maxUserAgent)

	asn := signal.Clamp(r.Header.Get(sig.ASNHeader), maxASN)
	asnOrg := signal.Clamp(r.Header.Get(sig.ASNOrgHeader), maxASNOrg)
	if asn == "" && e.deps.ASN != nil {
		if number, org, err := e.deps.ASN.Lookup(ip); err == nil {
			asn = signal.Clamp(number, maxASN)
			if asnOrg == "" {
				asnOrg = signal.Clamp(org, maxASNOrg)
			}
		}
	}

	ev := &Evaluation{
		IPAddress:        ip,
		Subnet:           subnet,
		Country:          signal.Clamp(r.Header.Get(sig.CountryHeader), maxCountry),
		ASN:              asn,
		ASNOrg:           asnOrg,
		UserAgent:        ua,
		AcceptLanguage:   signal.Clamp(r.Header.Get("Accept-Language"), maxAcceptLanguage),
		Referer:          signal.Clamp(r.Referer(), maxReferer),
		Origin:           signal.Clamp(r.Header.Get("Origin"), maxOrigin),
		Path:             signal.Clamp(r.URL.Path, maxPath),
		SessionKeyHash:   e.sessionKeyHash(sessionID),
		EmailDomain:      signal.EmailDomain(email),
		HasSessionCookie: signal.HasSessionCookie(r, sig.SessionCookie),
		HoneypotHit:      r.PostFormValue(sig.HoneypotField) != "",
	}

	validation := e.tokens.Verify(ctx, r.PostFormValue(sig.TokenField), sessionID, purpose)
	ev.TokenValid = validation.Valid
	ev.TokenError = validation.Error
	ev.TokenAgeSeconds = validation.AgeSeconds
	if !validation.Valid && e.deps.Metrics != nil {
		e.deps.Metrics.RecordTokenError(validation.Error)
	}

	timeOnPage, known := signal.TimeOnPage(r.PostFormValue(sig.RenderedAtField), now)
	if known {
		ev.TimeOnPageMS = timeOnPage.Milliseconds()
	} else {
		ev.TimeOnPageMS = -1
	}

	ev.UACount = e.bumpUserAgent(ctx, ua)
	ev.RateLimit = e.limiter.Check(ctx, purpose, ip, subnet, sessionID, asn)
	if e.deps.Metrics != nil {
		for _, dim := range ev.RateLimit.Reasons {
			e.deps.Metrics.RecordRateLimitTrip(purpose, string(dim))
		}
	}

	facts := &score.Facts{
		HoneypotHit:      ev.HoneypotHit,
		Token:            validation,
		RateLimit:        ev.RateLimit,
		HasReferrer:      ev.Referer != "",
		HasOrigin:        ev.Origin != "",
		TimeOnPage:       timeOnPage,
		TimeOnPageKnown:  known,
		HasSessionCookie: ev.HasSessionCookie,
		UACount:          ev.UACount,
		DisposableEmail:  e.disposable.IsDisposable(email),
	}

	ev.Score, ev.Reasons = score.Evaluate(facts, e.thresholds)
	ev.Action = score.Classify(facts, ev.Score, e.thresholds)

	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordEvaluation(purpose, string(ev.Action))
	}
	if e.deps.Digest != nil {
		e.deps.Digest.Report(purpose, ev.Action != score.ActionAllow, ip, asn)
	}

	if ev.Action != score.ActionAllow {
		logging.Debug("submission flagged",
			zap.String("purpose", purpose),
			zap.String("action", string(ev.Action)),
			zap.Int("score", ev.Score),
			zap.Strings("reasons", ev.Reasons),
		)
	}

	return ev
}

// bumpUserAgent counts submissions sharing one user agent string inside
// the rate limit window. A store failure reports zero so the burst
// signal quietly drops out instead of failing the submission.
func (e *Engine) bumpUserAgent(ctx context.Context, ua string) int64 {
	key := signal.UserAgentKey(ua)
	if key == "" {
		return 0
	}
	count, err := e.deps.Counters.IncrWithTTL(ctx, "lead:ua:"+key, e.limiter.Window())
	if err != nil {
		logging.Warn("user agent counter unavailable", zap.Error(err))
		return 0
	}
	return count
}

func (e *Engine) sessionKeyHash(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(e.cfg.Token.Secret + ":" + sessionID))
	return hex.EncodeToString(sum[:])
}
