package config

import (
	"time"
)

// Config is the complete leadguard configuration. It is loaded once at
// process start and treated as read-only afterwards; every component
// receives the pieces it needs through its constructor.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Logging   LoggingConfig            `yaml:"logging"`
	Redis     RedisConfig              `yaml:"redis"`
	Token     TokenConfig              `yaml:"token"`
	RateLimit RateLimitConfig          `yaml:"rate_limit"`
	Scoring   ScoringConfig            `yaml:"scoring"`
	Signals   SignalsConfig            `yaml:"signals"`
	Purposes  map[string]PurposeConfig `yaml:"purposes"`
	Audit     AuditConfig              `yaml:"audit"`
	Digest    DigestConfig             `yaml:"digest"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr            string            `yaml:"addr"`
	ReadTimeout     time.Duration     `yaml:"read_timeout"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	EvaluateTimeout time.Duration     `yaml:"evaluate_timeout"` // overall deadline around a single evaluation
	SpikeArrest     SpikeArrestConfig `yaml:"spike_arrest"`
}

// SpikeArrestConfig caps the instantaneous submission rate the process
// accepts, independently of the per-actor rate limits.
type SpikeArrestConfig struct {
	Enabled bool `yaml:"enabled"`
	Rate    int  `yaml:"rate"`  // requests per second
	Burst   int  `yaml:"burst"` // defaults to Rate
}

// LoggingConfig defines logger settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json or console
}

// RedisConfig defines the shared counter/nonce store backend. When Addr
// is empty the in-memory store is used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// TokenConfig defines the form-token protocol settings.
type TokenConfig struct {
	Secret string        `yaml:"secret"`  // required; fatal at start when missing
	MaxAge time.Duration `yaml:"max_age"` // token and nonce lifetime
	MinAge time.Duration `yaml:"min_age"` // default minimum age for purposes without their own
}

// Limits holds per-dimension submission limits within one rate window.
// A limit of zero disables that dimension.
type Limits struct {
	IP      int `yaml:"ip"`
	Subnet  int `yaml:"subnet"`
	Session int `yaml:"session"`
	ASN     int `yaml:"asn"`
}

// PurposeConfig carries the per-purpose overrides. Purposes not listed
// here fall back to the token and rate-limit defaults.
type PurposeConfig struct {
	MinTokenAge time.Duration `yaml:"min_token_age"`
	Limits      Limits        `yaml:"limits"`
}

// RateLimitConfig defines the shared counter window and failure policy.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window"`
	FailMode string        `yaml:"fail_mode"` // open (default) or closed
	Defaults Limits        `yaml:"defaults"`
}

// ScoringConfig defines the classifier thresholds.
type ScoringConfig struct {
	SuspectThreshold int           `yaml:"suspect_threshold"`
	BlockThreshold   int           `yaml:"block_threshold"`
	FastSubmit       time.Duration `yaml:"fast_submit"`
	UABurstLimit     int           `yaml:"ua_burst_limit"`
}

// SignalsConfig defines where the raw facts come from: form field names,
// the session cookie, and the edge-network headers.
type SignalsConfig struct {
	HoneypotField   string `yaml:"honeypot_field"`
	TokenField      string `yaml:"token_field"`
	RenderedAtField string `yaml:"rendered_at_field"`
	SessionCookie   string `yaml:"session_cookie"`
	ClientIPHeader  string `yaml:"client_ip_header"`
	CountryHeader   string `yaml:"country_header"`
	ASNHeader       string `yaml:"asn_header"`
	ASNOrgHeader    string `yaml:"asn_org_header"`
	// ASNDatabase is an optional MaxMind ASN database used when the
	// edge header is absent.
	ASNDatabase           string   `yaml:"asn_database"`
	DisposableDomains     []string `yaml:"disposable_domains"`
	DisposableDomainsFile string   `yaml:"disposable_domains_file"`
}

// AuditConfig defines the JSON-lines submission log.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	BufferSize int    `yaml:"buffer_size"`
}

// DigestConfig defines the periodic per-purpose summary.
type DigestConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultDisposableDomains is the built-in disposable e-mail provider
// blocklist, extended or replaced via SignalsConfig.
var DefaultDisposableDomains = []string{
	"10minutemail.com",
	"10minutemail.net",
	"10minutemail.org",
	"guerrillamail.com",
	"guerrillamail.net",
	"mailinator.com",
	"mailinator.net",
	"yopmail.com",
	"yopmail.net",
	"yopmail.fr",
	"yopmail.org",
	"temp-mail.org",
	"temp-mail.com",
	"tempail.com",
	"trashmail.com",
	"trashmail.net",
	"discard.email",
	"getnada.com",
	"getnada.org",
	"inboxbear.com",
	"maildrop.cc",
	"mintemail.com",
	"mohmal.com",
	"sharklasers.com",
	"fakeinbox.com",
	"throwawaymail.com",
	"dispostable.com",
	"tempmail.dev",
	"tempmailo.com",
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8385",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			EvaluateTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Token: TokenConfig{
			MaxAge: 30 * time.Minute,
			MinAge: 6 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:   10 * time.Minute,
			FailMode: "open",
			Defaults: Limits{IP: 5, Subnet: 40, Session: 2, ASN: 50},
		},
		Scoring: ScoringConfig{
			SuspectThreshold: 3,
			BlockThreshold:   6,
			FastSubmit:       5 * time.Second,
			UABurstLimit:     25,
		},
		Signals: SignalsConfig{
			HoneypotField:   "company",
			TokenField:      "form_token",
			RenderedAtField: "form_rendered_at",
			SessionCookie:   "sessionid",
			ClientIPHeader:  "CF-Connecting-IP",
			CountryHeader:   "CF-IPCountry",
			ASNHeader:       "CF-ASN",
			ASNOrgHeader:    "CF-ASN-Organization",
		},
		Audit: AuditConfig{
			Path:       "leadguard-audit.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			BufferSize: 1000,
		},
		Digest: DigestConfig{Interval: 15 * time.Minute},
	}
}

// PurposeLimits returns the rate limits for a purpose, falling back
// to the defaults for purposes without an explicit block. A zero
// per-purpose dimension inherits the default for that dimension.
func (c *Config) PurposeLimits(purpose string) Limits {
	limits := c.RateLimit.Defaults
	p, ok := c.Purposes[purpose]
	if !ok {
		return limits
	}
	if p.Limits.IP != 0 {
		limits.IP = p.Limits.IP
	}
	if p.Limits.Subnet != 0 {
		limits.Subnet = p.Limits.Subnet
	}
	if p.Limits.Session != 0 {
		limits.Session = p.Limits.Session
	}
	if p.Limits.ASN != 0 {
		limits.ASN = p.Limits.ASN
	}
	return limits
}

// MinTokenAge returns the minimum token age for a purpose, falling back
// to the token default.
func (c *Config) MinTokenAge(purpose string) time.Duration {
	if p, ok := c.Purposes[purpose]; ok && p.MinTokenAge > 0 {
		return p.MinTokenAge
	}
	return c.Token.MinAge
}

// FailClosed reports whether the rate limiter should treat store
// failures as exceeded.
func (c *Config) FailClosed() bool {
	return c.RateLimit.FailMode == "closed"
}
