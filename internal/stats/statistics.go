// Package stats tracks the miner's hashrate and share counters and
// periodically reports them.
package stats

import (
	"math"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Timestamp       time.Time
	Uptime          time.Duration
	HashesPerSecond float64
	Accepted        uint64
	Rejected        uint64
}

// Total returns accepted plus rejected shares
func (s Snapshot) Total() uint64 {
	return s.Accepted + s.Rejected
}

// AcceptedPercent returns the share of accepted results, 0 when none
func (s Snapshot) AcceptedPercent() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Total()) * 100
}

// Statistics holds the process-wide counters. It is safe for concurrent use.
type Statistics struct {
	started  time.Time
	hps      atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New starts the uptime clock
func New() *Statistics {
	return &Statistics{started: time.Now()}
}

// SetHashesPerSecond stores the latest aggregate hashrate
func (s *Statistics) SetHashesPerSecond(hps float64) {
	s.hps.Store(math.Float64bits(hps))
}

// HashesPerSecond returns the last stored hashrate
func (s *Statistics) HashesPerSecond() float64 {
	return math.Float64frombits(s.hps.Load())
}

// RecordShare counts one submit reply
func (s *Statistics) RecordShare(accepted bool) {
	if accepted {
		s.accepted.Add(1)
	} else {
		s.rejected.Add(1)
	}
}

// Snapshot copies the counters
func (s *Statistics) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp:       now,
		Uptime:          now.Sub(s.started),
		HashesPerSecond: s.HashesPerSecond(),
		Accepted:        s.accepted.Load(),
		Rejected:        s.rejected.Load(),
	}
}
