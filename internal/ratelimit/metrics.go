package ratelimit

import "sync/atomic"

// Metrics tracks rate-limit check outcomes using atomic counters.
type Metrics struct {
	Checks      atomic.Int64
	Exceeded    atomic.Int64
	StoreErrors atomic.Int64
}

// Status is the admin API representation of a limiter's state.
type Status struct {
	Window      string `json:"window"`
	FailClosed  bool   `json:"fail_closed"`
	Checks      int64  `json:"checks"`
	Exceeded    int64  `json:"exceeded"`
	StoreErrors int64  `json:"store_errors"`
}
