package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks engine metrics for Prometheus-compatible export
type Collector struct {
	mu sync.RWMutex

	// HTTP metrics
	requestsTotal    map[string]int64          // key: route|method|status
	requestDurations map[string]*HistogramData // key: route

	// Evaluation metrics
	evaluations    map[string]int64 // key: purpose|action
	tokenErrors    map[string]int64 // key: kind
	rateLimitTrips map[string]int64 // key: purpose|dimension
	audit          map[string]int64 // key: outcome (written, dropped)
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestsTotal:    make(map[string]int64),
		requestDurations: make(map[string]*HistogramData),
		evaluations:      make(map[string]int64),
		tokenErrors:      make(map[string]int64),
		rateLimitTrips:   make(map[string]int64),
		audit:            make(map[string]int64),
	}
}

// RecordRequest records a completed HTTP request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := route + "|" + method + "|" + strconv.Itoa(statusCode)
	c.requestsTotal[key]++

	hd, ok := c.requestDurations[route]
	if !ok {
		hd = &HistogramData{
			Buckets: make(map[float64]int64),
		}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.requestDurations[route] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordEvaluation records the outcome of one submission evaluation
func (c *Collector) RecordEvaluation(purpose, action string) {
	c.mu.Lock()
	c.evaluations[purpose+"|"+action]++
	c.mu.Unlock()
}

// RecordTokenError records a token verification failure by kind
func (c *Collector) RecordTokenError(kind string) {
	c.mu.Lock()
	c.tokenErrors[kind]++
	c.mu.Unlock()
}

// RecordRateLimitTrip records a rate limit hit on one dimension
func (c *Collector) RecordRateLimitTrip(purpose, dimension string) {
	c.mu.Lock()
	c.rateLimitTrips[purpose+"|"+dimension]++
	c.mu.Unlock()
}

// RecordAudit records the fate of one audit entry
func (c *Collector) RecordAudit(outcome string) {
	c.mu.Lock()
	c.audit[outcome]++
	c.mu.Unlock()
}

// MetricsSnapshot holds a snapshot of all metrics
type MetricsSnapshot struct {
	RequestsTotal    map[string]int64              `json:"requests_total"`
	RequestDurations map[string]*HistogramSnapshot `json:"request_durations"`
	Evaluations      map[string]int64              `json:"evaluations"`
	TokenErrors      map[string]int64              `json:"token_errors"`
	RateLimitTrips   map[string]int64              `json:"rate_limit_trips"`
	Audit            map[string]int64              `json:"audit"`
}

// HistogramSnapshot is a snapshot of histogram data
type HistogramSnapshot struct {
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[float64]int64 `json:"buckets"`
}

// Snapshot returns a point-in-time snapshot of all metrics
func (c *Collector) Snapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &MetricsSnapshot{
		RequestsTotal:    make(map[string]int64),
		RequestDurations: make(map[string]*HistogramSnapshot),
		Evaluations:      make(map[string]int64),
		TokenErrors:      make(map[string]int64),
		RateLimitTrips:   make(map[string]int64),
		Audit:            make(map[string]int64),
	}

	for k, v := range c.requestsTotal {
		snap.RequestsTotal[k] = v
	}

	for k, v := range c.requestDurations {
		hs := &HistogramSnapshot{
			Count:   v.Count,
			Sum:     v.Sum,
			Buckets: make(map[float64]int64),
		}
		for b, cnt := range v.Buckets {
			hs.Buckets[b] = cnt
		}
		snap.RequestDurations[k] = hs
	}

	for k, v := range c.evaluations {
		snap.Evaluations[k] = v
	}
	for k, v := range c.tokenErrors {
		snap.TokenErrors[k] = v
	}
	for k, v := range c.rateLimitTrips {
		snap.RateLimitTrips[k] = v
	}
	for k, v := range c.audit {
		snap.Audit[k] = v
	}

	return snap
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// leadguard_requests_total
	writeHelp(w, "leadguard_requests_total", "Total number of HTTP requests", "counter")
	for key, count := range c.requestsTotal {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "leadguard_requests_total", count,
				"route", parts[0], "method", parts[1], "status", parts[2])
		}
	}

	// leadguard_request_duration_seconds
	writeHelp(w, "leadguard_request_duration_seconds", "Request duration in seconds", "histogram")
	for route, hd := range c.requestDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "leadguard_request_duration_seconds_bucket", float64(cnt),
				"route", route, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "leadguard_request_duration_seconds_bucket", float64(hd.Count),
			"route", route, "le", "+Inf")
		writeMetricFloat(w, "leadguard_request_duration_seconds_sum", hd.Sum,
			"route", route)
		writeMetric(w, "leadguard_request_duration_seconds_count", hd.Count,
			"route", route)
	}

	// leadguard_evaluations_total
	writeHelp(w, "leadguard_evaluations_total", "Total submission evaluations", "counter")
	for key, count := range c.evaluations {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "leadguard_evaluations_total", count,
				"purpose", parts[0], "action", parts[1])
		}
	}

	// leadguard_token_errors_total
	writeHelp(w, "leadguard_token_errors_total", "Total token verification failures", "counter")
	for kind, count := range c.tokenErrors {
		writeMetric(w, "leadguard_token_errors_total", count, "kind", kind)
	}

	// leadguard_rate_limit_trips_total
	writeHelp(w, "leadguard_rate_limit_trips_total", "Total rate limit hits", "counter")
	for key, count := range c.rateLimitTrips {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "leadguard_rate_limit_trips_total", count,
				"purpose", parts[0], "dimension", parts[1])
		}
	}

	// leadguard_audit_entries_total
	writeHelp(w, "leadguard_audit_entries_total", "Audit entries by outcome", "counter")
	for outcome, count := range c.audit {
		writeMetric(w, "leadguard_audit_entries_total", count, "outcome", outcome)
	}
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
