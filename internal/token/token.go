// Package token implements the form-token protocol: a signed,
// single-use, session- and purpose-bound proof that a form was rendered
// before it was submitted. Verification fails closed — any parsing,
// cryptographic or nonce-store failure yields an invalid result, never
// a valid one.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/logging"
	"github.com/wudi/leadguard/internal/store"
)

// Verification error kinds. Every failing branch of Verify is terminal
// and mutually exclusive; the first failing check short-circuits the rest.
const (
	ErrMissing         = "missing"
	ErrInvalid         = "invalid"
	ErrExpired         = "expired"
	ErrPurpose         = "purpose"
	ErrSessionMismatch = "session_mismatch"
	ErrNonceMissing    = "nonce_missing"
	ErrIssuedAtMissing = "iat_missing"
	ErrTooFast         = "too_fast"
	ErrReplay          = "replay"
)

// Validation is the outcome of verifying one token. Callers branch on
// this data; invalid tokens are never surfaced as Go errors.
type Validation struct {
	Valid bool
	// Error is one of the kind constants above, or empty when valid.
	Error string
	// AgeSeconds is the token age when it could be determined, -1
	// otherwise. Only too_fast, replay and valid results carry an age.
	AgeSeconds int
}

type payload struct {
	SID      string `json:"sid"`
	Purpose  string `json:"purpose"`
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"iat"`
}

// Manager issues and verifies form tokens.
type Manager struct {
	secret        []byte
	maxAge        time.Duration
	defaultMinAge time.Duration
	minAges       map[string]time.Duration
	nonces        store.Store
	metrics       *Metrics
	now           func() time.Time
}

// NewManager creates a Manager from config. The nonce store provides the
// single at-most-once point for token consumption across concurrent
// requests.
func NewManager(cfg config.TokenConfig, purposes map[string]config.PurposeConfig, nonces store.Store) *Manager {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}

	minAges := make(map[string]time.Duration, len(purposes))
	for name, p := range purposes {
		if p.MinTokenAge > 0 {
			minAges[name] = p.MinTokenAge
		}
	}

	return &Manager{
		secret:        []byte(cfg.Secret),
		maxAge:        maxAge,
		defaultMinAge: cfg.MinAge,
		minAges:       minAges,
		nonces:        nonces,
		metrics:       &Metrics{},
		now:           time.Now,
	}
}

// MaxAge returns the configured token lifetime.
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Issue builds a signed token bound to the session and purpose. The only
// side effect is the signing itself; the nonce is not registered until
// the token is verified.
func (m *Manager) Issue(sessionID, purpose string) (string, error) {
	u := uuid.New()
	p := payload{
		SID:      sessionID,
		Purpose:  purpose,
		Nonce:    hex.EncodeToString(u[:]),
		IssuedAt: m.now().Unix(),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	m.metrics.Issued.Add(1)
	return encoded + "." + m.sign(encoded), nil
}

// Verify checks a submitted token against the caller's session and
// purpose, consuming its nonce on success. The check order is fixed:
// missing, signature, expiry, purpose, session binding, nonce presence,
// issue time, minimum age, replay.
func (m *Manager) Verify(ctx context.Context, tok, sessionID, purpose string) Validation {
	m.metrics.Checked.Add(1)

	if tok == "" {
		return m.reject(ErrMissing, -1)
	}

	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return m.reject(ErrInvalid, -1)
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(encoded))) {
		return m.reject(ErrInvalid, -1)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return m.reject(ErrInvalid, -1)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return m.reject(ErrInvalid, -1)
	}

	now := m.now()
	if p.IssuedAt > 0 && now.Sub(time.Unix(p.IssuedAt, 0)) > m.maxAge {
		return m.reject(ErrExpired, -1)
	}
	if p.Purpose != purpose {
		return m.reject(ErrPurpose, -1)
	}
	if sessionID == "" || p.SID != sessionID {
		return m.reject(ErrSessionMismatch, -1)
	}
	if p.Nonce == "" {
		return m.reject(ErrNonceMissing, -1)
	}
	if p.IssuedAt <= 0 {
		return m.reject(ErrIssuedAtMissing, -1)
	}

	age := now.Unix() - p.IssuedAt
	if age < 0 {
		age = 0
	}
	if time.Duration(age)*time.Second < m.minAge(purpose) {
		return m.reject(ErrTooFast, int(age))
	}

	// The nonce insert is the single point imposing at-most-once
	// semantics across concurrent verifications of the same token.
	won, err := m.nonces.AddNX(ctx, "lead:nonce:"+purpose+":"+p.Nonce, m.maxAge)
	if err != nil {
		// Fail closed: anti-forgery is a hard security property.
		m.metrics.StoreErrors.Add(1)
		logging.Warn("nonce store unavailable, failing closed",
			zap.String("purpose", purpose),
			zap.Error(err),
		)
		return m.reject(ErrReplay, int(age))
	}
	if !won {
		m.metrics.Replays.Add(1)
		return m.reject(ErrReplay, int(age))
	}

	m.metrics.Valid.Add(1)
	return Validation{Valid: true, AgeSeconds: int(age)}
}

func (m *Manager) minAge(purpose string) time.Duration {
	if d, ok := m.minAges[purpose]; ok {
		return d
	}
	return m.defaultMinAge
}

func (m *Manager) reject(kind string, age int) Validation {
	m.metrics.Rejected.Add(1)
	return Validation{Error: kind, AgeSeconds: age}
}

func (m *Manager) sign(encoded string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// Status returns the manager's counters for the admin surface.
func (m *Manager) Status() Status {
	return Status{
		MaxAge:      m.maxAge.String(),
		Issued:      m.metrics.Issued.Load(),
		Checked:     m.metrics.Checked.Load(),
		Valid:       m.metrics.Valid.Load(),
		Rejected:    m.metrics.Rejected.Load(),
		Replays:     m.metrics.Replays.Load(),
		StoreErrors: m.metrics.StoreErrors.Load(),
	}
}
