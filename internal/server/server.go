// Package server exposes the engine over HTTP: token issuance for
// rendering forms, the submission endpoint, and the operational
// surface (health, status, metrics).
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wudi/leadguard/internal/audit"
	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/engine"
	"github.com/wudi/leadguard/internal/logging"
	"github.com/wudi/leadguard/internal/metrics"
	"github.com/wudi/leadguard/internal/score"
	"github.com/wudi/leadguard/internal/signal"
)

// maxFormBytes bounds the submission body before parsing.
const maxFormBytes = 64 << 10

// Server serves the lead evaluation API.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	recorder  audit.Recorder
	collector *metrics.Collector
	spike     *rate.Limiter

	httpSrv *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, eng *engine.Engine, rec audit.Recorder, col *metrics.Collector) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		recorder:  rec,
		collector: col,
	}
	if sa := cfg.Server.SpikeArrest; sa.Enabled && sa.Rate > 0 {
		burst := sa.Burst
		if burst <= 0 {
			burst = sa.Rate
		}
		s.spike = rate.NewLimiter(rate.Limit(sa.Rate), burst)
	}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/v1/forms/:purpose/token", s.instrument("token", s.handleToken))
	router.HandlerFunc(http.MethodPost, "/v1/leads/:purpose", s.instrument("leads", s.handleLead))
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	router.HandlerFunc(http.MethodGet, "/v1/status", s.handleStatus)
	router.HandlerFunc(http.MethodGet, "/metrics", s.handleMetrics)

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      requestID(recovery(router)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Handler exposes the full middleware stack for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	purpose := httprouter.ParamsFromContext(r.Context()).ByName("purpose")
	if !s.engine.ValidPurpose(purpose) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown form"})
		return
	}

	sessionID := signal.SessionID(r, s.cfg.Signals.SessionCookie)
	if sessionID == "" {
		sessionID = strings.ReplaceAll(uuid.New().String(), "-", "")
		http.SetCookie(w, &http.Cookie{
			Name:     s.cfg.Signals.SessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	tok, err := s.engine.IssueToken(sessionID, purpose)
	if err != nil {
		logging.Error("token issue failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":       tok,
		"rendered_at": time.Now().UnixMilli(),
		"expires_in":  int64(s.engine.TokenMaxAge().Seconds()),
	})
}

func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	purpose := httprouter.ParamsFromContext(r.Context()).ByName("purpose")
	if !s.engine.ValidPurpose(purpose) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown form"})
		return
	}

	if s.spike != nil && !s.spike.Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "try again later"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed form"})
		return
	}

	ctx := r.Context()
	if s.cfg.Server.EvaluateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.EvaluateTimeout)
		defer cancel()
	}

	email := r.PostFormValue("email")
	ev := s.engine.Evaluate(ctx, purpose, r, email)
	s.record(r, purpose, ev, validateLead(r, email))

	switch ev.Action {
	case score.ActionAllow, score.ActionSuspect:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	default:
		// Blocked and rate limited share one opaque body so callers
		// cannot tell which check tripped.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected"})
	}
}

// validateLead collects non-fatal form problems for the audit trail.
// Submissions are still evaluated; the upstream CRM does its own
// validation before persisting anything.
func validateLead(r *http.Request, email string) []string {
	var errs []string
	if email == "" {
		errs = append(errs, "email_missing")
	} else if !strings.Contains(email, "@") {
		errs = append(errs, "email_invalid")
	}
	if r.PostFormValue("name") == "" {
		errs = append(errs, "name_missing")
	}
	return errs
}

func (s *Server) record(r *http.Request, purpose string, ev *engine.Evaluation, validationErrs []string) {
	entry := audit.NewEntry(time.Now())
	entry.RequestID = r.Header.Get("X-Request-ID")
	entry.Purpose = purpose
	entry.Action = string(ev.Action)
	entry.Accepted = ev.Action == score.ActionAllow || ev.Action == score.ActionSuspect
	entry.Score = ev.Score
	entry.Reasons = ev.Reasons
	entry.ValidationErrors = validationErrs

	entry.IPAddress = ev.IPAddress
	entry.Subnet = ev.Subnet
	entry.Country = ev.Country
	entry.ASN = ev.ASN
	entry.ASNOrg = ev.ASNOrg
	entry.UserAgent = ev.UserAgent
	entry.AcceptLanguage = ev.AcceptLanguage
	entry.Referer = ev.Referer
	entry.Origin = ev.Origin
	entry.Path = ev.Path
	entry.SessionKeyHash = ev.SessionKeyHash
	entry.EmailDomain = ev.EmailDomain

	entry.TokenValid = ev.TokenValid
	entry.TokenError = ev.TokenError
	entry.TokenAgeSeconds = int64(ev.TokenAgeSeconds)
	entry.TimeOnPageMS = ev.TimeOnPageMS
	entry.HasSessionCookie = ev.HasSessionCookie
	entry.HoneypotHit = ev.HoneypotHit
	entry.UACount = ev.UACount

	entry.RateLimited = ev.RateLimit.Exceeded
	for _, dim := range ev.RateLimit.Reasons {
		entry.RateLimitReasons = append(entry.RateLimitReasons, string(dim))
	}

	s.recorder.Record(entry)
	if s.collector != nil {
		s.collector.RecordAudit("queued")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      s.engine.TokenStatus(),
		"rate_limit": s.engine.LimiterStatus(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.collector.WritePrometheus(w)
}

// instrument records request count and duration per route.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.collector == nil {
			next(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		s.collector.RecordRequest(route, r.Method, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("response write failed", zap.Error(err))
	}
}
