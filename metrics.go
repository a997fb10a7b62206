package authkit

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	MetricRegisterSuccess MetricID = iota
	MetricRegisterDuplicate
	MetricLoginSuccess
	MetricLoginFailure
	MetricAccountLocked
	MetricMFARequired
	MetricMFASuccess
	MetricMFAFailure
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricLogout
	MetricLogoutAll
	MetricTokenValidated
	MetricTokenRejected
	MetricValidateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricRegisterSuccess:      "register_success",
	MetricRegisterDuplicate:    "register_duplicate",
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricAccountLocked:        "account_locked",
	MetricMFARequired:          "mfa_required",
	MetricMFASuccess:           "mfa_success",
	MetricMFAFailure:           "mfa_failure",
	MetricRefreshSuccess:       "refresh_success",
	MetricRefreshFailure:       "refresh_failure",
	MetricRefreshReuseDetected: "refresh_reuse_detected",
	MetricLogout:               "logout",
	MetricLogoutAll:            "logout_all",
	MetricTokenValidated:       "token_validated",
	MetricTokenRejected:        "token_rejected",
	MetricValidateLatency:      "validate_latency",
}

// Name returns the stable exposition name of the metric, or "" for an
// unknown id.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return ""
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// Counters are padded to a cache line each so hot-path increments from
// different goroutines do not false-share.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// Metrics holds lock-free counters and an optional validate-latency
// histogram. A nil *Metrics is a valid no-op receiver.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	latency       metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters       map[MetricID]uint64
	LatencyBuckets []uint64
}

// NewMetrics builds a Metrics instance; when cfg.Enabled is false every
// operation is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a validation latency sample.
func (m *Metrics) Observe(d time.Duration) {
	if m == nil || !m.enableLatency {
		return
	}
	atomic.AddUint64(&m.latency.buckets[bucketIndex(d)], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and the latency histogram when enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, int(metricIDCount)),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.latency.buckets[i])
		}
		s.LatencyBuckets = buckets
	}

	return s
}

// LatencyBucketBounds returns the upper bound in milliseconds of each
// histogram bucket; the last bucket is unbounded.
func LatencyBucketBounds() []int64 {
	return []int64{5, 10, 25, 50, 100, 250, 500}
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
