package token

import "sync/atomic"

// Metrics tracks token issuance and verification outcomes using atomic
// counters.
type Metrics struct {
	Issued      atomic.Int64
	Checked     atomic.Int64
	Valid       atomic.Int64
	Rejected    atomic.Int64
	Replays     atomic.Int64
	StoreErrors atomic.Int64
}

// Status is the admin API representation of a token manager's state.
type Status struct {
	MaxAge      string `json:"max_age"`
	Issued      int64  `json:"issued"`
	Checked     int64  `json:"checked"`
	Valid       int64  `json:"valid"`
	Rejected    int64  `json:"rejected"`
	Replays     int64  `json:"replays"`
	StoreErrors int64  `json:"store_errors"`
}
