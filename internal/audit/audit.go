// Package audit writes a JSON-lines record of every evaluated
// submission to a size-rotated file. Writes never block or fail the
// request path: entries are queued to a background goroutine and
// dropped with a counter when the queue is full.
package audit

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/logging"
)

// Entry is a single audit log event, one JSON object per line.
type Entry struct {
	Timestamp        string   `json:"timestamp"`
	RequestID        string   `json:"request_id,omitempty"`
	Purpose          string   `json:"form_type"`
	Action           string   `json:"outcome"`
	Accepted         bool     `json:"success"`
	Score            int      `json:"score"`
	Reasons          []string `json:"reasons,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	IPAddress      string `json:"ip_address,omitempty"`
	Subnet         string `json:"subnet,omitempty"`
	Country        string `json:"country,omitempty"`
	ASN            string `json:"asn,omitempty"`
	ASNOrg         string `json:"asn_org,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	AcceptLanguage string `json:"accept_language,omitempty"`
	Referer        string `json:"referer,omitempty"`
	Origin         string `json:"origin,omitempty"`
	Path           string `json:"path,omitempty"`
	SessionKeyHash string `json:"session_key_hash,omitempty"`
	EmailDomain    string `json:"email_domain,omitempty"`

	TokenValid       bool   `json:"token_valid"`
	TokenError       string `json:"token_error,omitempty"`
	TokenAgeSeconds  int64  `json:"token_age_seconds"`
	TimeOnPageMS     int64  `json:"time_on_page_ms"`
	HasSessionCookie bool   `json:"has_session_cookie"`
	HoneypotHit      bool   `json:"honeypot_hit"`
	UACount          int64  `json:"ua_count"`

	RateLimited      bool     `json:"rate_limited"`
	RateLimitReasons []string `json:"rate_limit_reasons,omitempty"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(entry *Entry)
	Close()
}

// FileRecorder appends entries to a rotated JSON-lines file.
type FileRecorder struct {
	out   io.WriteCloser
	queue chan *Entry

	written atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFileRecorder opens the audit file and starts the background
// writer goroutine.
func NewFileRecorder(cfg config.AuditConfig) *FileRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}

	fr := &FileRecorder{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
		queue:  make(chan *Entry, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go fr.writeLoop()
	return fr
}

// Record queues an entry. It is non-blocking; if the queue is full the
// entry is dropped and the drop counter is incremented.
func (fr *FileRecorder) Record(entry *Entry) {
	select {
	case fr.queue <- entry:
	default:
		fr.dropped.Add(1)
	}
}

// Close drains remaining entries and closes the file.
func (fr *FileRecorder) Close() {
	close(fr.stopCh)
	<-fr.doneCh
}

// Stats returns snapshot counters for this recorder.
func (fr *FileRecorder) Stats() map[string]int64 {
	return map[string]int64{
		"written":   fr.written.Load(),
		"dropped":   fr.dropped.Load(),
		"errors":    fr.errors.Load(),
		"queue_len": int64(len(fr.queue)),
	}
}

func (fr *FileRecorder) writeLoop() {
	defer close(fr.doneCh)
	defer fr.out.Close()

	for {
		select {
		case entry := <-fr.queue:
			fr.write(entry)
		case <-fr.stopCh:
			// Drain what is already queued, then stop.
			for {
				select {
				case entry := <-fr.queue:
					fr.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (fr *FileRecorder) write(entry *Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		fr.errors.Add(1)
		return
	}
	line = append(line, '\n')
	if _, err := fr.out.Write(line); err != nil {
		fr.errors.Add(1)
		logging.Warn("audit write failed", zap.Error(err))
		return
	}
	fr.written.Add(1)
}

// NopRecorder discards all entries. Used when the audit log is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(*Entry) {}
func (NopRecorder) Close()        {}

// NewEntry builds the shared skeleton of an entry, timestamped now.
func NewEntry(now time.Time) *Entry {
	return &Entry{Timestamp: now.UTC().Format(time.RFC3339Nano)}
}
