// Package digest aggregates per-purpose submission counts and emits a
// periodic summary log line, the operational replacement for reading
// the raw audit file.
package digest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/leadguard/internal/logging"
)

// maxDistinct caps the per-bucket distinct-value sets so a flood of
// spoofed addresses cannot grow memory without bound.
const maxDistinct = 10000

type bucket struct {
	total      int64
	suspicious int64
	ips        map[string]struct{}
	asns       map[string]struct{}
}

// Reporter accumulates submission counts and flushes a summary on a
// fixed interval.
type Reporter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New starts a reporter flushing every interval.
func New(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Hour
	}
	r := &Reporter{
		buckets:  make(map[string]*bucket),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Report adds one evaluated submission to the current window.
func (r *Reporter) Report(purpose string, suspicious bool, ip, asn string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[purpose]
	if !ok {
		b = &bucket{
			ips:  make(map[string]struct{}),
			asns: make(map[string]struct{}),
		}
		r.buckets[purpose] = b
	}

	b.total++
	if suspicious {
		b.suspicious++
	}
	if ip != "" && len(b.ips) < maxDistinct {
		b.ips[ip] = struct{}{}
	}
	if asn != "" && len(b.asns) < maxDistinct {
		b.asns[asn] = struct{}{}
	}
}

// Close flushes the final window and stops the reporter.
func (r *Reporter) Close() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stopCh:
			r.flush()
			return
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	buckets := r.buckets
	r.buckets = make(map[string]*bucket)
	r.mu.Unlock()

	for purpose, b := range buckets {
		logging.Info("submission digest",
			zap.String("purpose", purpose),
			zap.Int64("total", b.total),
			zap.Int64("suspicious", b.suspicious),
			zap.Int("distinct_ips", len(b.ips)),
			zap.Int("distinct_asns", len(b.asns)),
			zap.Duration("window", r.interval),
		)
	}
}
