package model

import (
	"sync"
	"time"
)

const (
	// 探测失败时的拉黑规则: failures > max(probeFailureFloor, successes*probeFailureRatio)
	probeFailureFloor = 3
	probeFailureRatio = 3

	// 真实流量失败超过该次数即拉黑
	reportFailureLimit = 10
)

// Endpoint 是一个代理候选的健康记录。
// 所有字段都由 mu 保护，只能通过下面的方法访问，记录本身不会离开代理池。
type Endpoint struct {
	mu sync.Mutex

	address      string
	lastProbedAt time.Time
	successCount int
	failureCount int
	avgLatency   time.Duration
	hasLatency   bool
	blacklisted  bool
}

// Stats is a point-in-time copy of an Endpoint, safe to hold after the call returns.
type Stats struct {
	Address      string        `json:"address"`
	LastProbedAt time.Time     `json:"last_probed_at"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	AvgLatency   time.Duration `json:"avg_latency"`
	HasLatency   bool          `json:"has_latency"`
	Blacklisted  bool          `json:"blacklisted"`
}

// NewEndpoint creates a record that has never been probed or used.
func NewEndpoint(address string) *Endpoint {
	return &Endpoint{address: address}
}

func (e *Endpoint) Address() string {
	return e.address
}

// RecordProbeSuccess folds a successful health check into the record and lifts the
// blacklist. A successful probe is the only way back from a blacklist.
func (e *Endpoint) RecordProbeSuccess(now time.Time, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastProbedAt = now
	e.successCount++
	e.foldLatency(latency)
	e.blacklisted = false
}

// RecordProbeFailure counts a failed health check. It reports whether the endpoint is
// blacklisted afterwards.
func (e *Endpoint) RecordProbeFailure(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastProbedAt = now
	e.failureCount++
	if e.failureCount > max(probeFailureFloor, e.successCount*probeFailureRatio) {
		e.blacklisted = true
	}
	return e.blacklisted
}

// RecordUseSuccess counts a successful real request. A zero latency means no sample.
func (e *Endpoint) RecordUseSuccess(now time.Time, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastProbedAt = now
	e.successCount++
	if latency > 0 {
		e.foldLatency(latency)
	}
}

// RecordUseFailure counts a failed real request and reports whether the endpoint is
// blacklisted afterwards.
func (e *Endpoint) RecordUseFailure(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastProbedAt = now
	e.failureCount++
	if e.failureCount > reportFailureLimit {
		e.blacklisted = true
	}
	return e.blacklisted
}

func (e *Endpoint) Blacklist() {
	e.mu.Lock()
	e.blacklisted = true
	e.mu.Unlock()
}

func (e *Endpoint) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Address:      e.address,
		LastProbedAt: e.lastProbedAt,
		SuccessCount: e.successCount,
		FailureCount: e.failureCount,
		AvgLatency:   e.avgLatency,
		HasLatency:   e.hasLatency,
		Blacklisted:  e.blacklisted,
	}
}

// foldLatency keeps a two-point moving average. Caller must hold mu.
func (e *Endpoint) foldLatency(sample time.Duration) {
	prev := sample
	if e.hasLatency {
		prev = e.avgLatency
	}
	e.avgLatency = (prev + sample) / 2
	e.hasLatency = true
}

// Probed reports whether the endpoint has ever been probed or used.
func (s Stats) Probed() bool {
	return !s.LastProbedAt.IsZero()
}

// Score ranks an endpoint for selection; lower is better. Endpoints without a latency
// sample are scored with defaultLatency.
func (s Stats) Score(defaultLatency time.Duration) float64 {
	latency := defaultLatency
	if s.HasLatency {
		latency = s.AvgLatency
	}
	return latency.Seconds() * float64(s.FailureCount+1) / float64(s.SuccessCount+1)
}
