package messaging

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/work"
)

// EventType names what an Event describes
type EventType string

const (
	EventJob            EventType = "job"
	EventShareSubmitted EventType = "share_submitted"
	EventShareResult    EventType = "share_result"
	EventStats          EventType = "stats"
)

// Event is one record fanned out by the Bus. Exactly one of Job, Share and
// Stats is set.
type Event struct {
	ID     string        `json:"id"`
	Type   EventType     `json:"type"`
	Worker string        `json:"worker"`
	Time   time.Time     `json:"time"`
	Job    *JobMessage   `json:"job,omitempty"`
	Share  *ShareMessage `json:"share,omitempty"`
	Stats  *StatsMessage `json:"stats,omitempty"`
}

// JobMessage describes a job received from the pool
type JobMessage struct {
	JobID      string  `json:"job_id"`
	Height     int64   `json:"height"`
	Difficulty float64 `json:"difficulty"`
	PrevHash   string  `json:"prev_hash"`
	Version    string  `json:"version"`
	NBits      string  `json:"nbits"`
	NTime      string  `json:"ntime"`
}

// ShareMessage describes a submitted share or a pool reply. Submission
// fields are empty on replies since the pool does not echo them.
type ShareMessage struct {
	JobID         string  `json:"job_id,omitempty"`
	Extranonce2   string  `json:"extranonce2,omitempty"`
	NTime         string  `json:"ntime,omitempty"`
	Nonce         string  `json:"nonce,omitempty"`
	Difficulty    float64 `json:"difficulty,omitempty"`
	Accepted      bool    `json:"accepted"`
	Reason        string  `json:"reason,omitempty"`
	AcceptedTotal uint64  `json:"accepted_total"`
	RejectedTotal uint64  `json:"rejected_total"`
}

// StatsMessage is a flattened stats.Snapshot
type StatsMessage struct {
	HashesPerSecond float64 `json:"hashes_per_second"`
	Accepted        uint64  `json:"accepted"`
	Rejected        uint64  `json:"rejected"`
	AcceptedPercent float64 `json:"accepted_percent"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
}

// NewJobEvent describes u
func NewJobEvent(u *work.Unit) *Event {
	return &Event{
		ID:     uuid.NewString(),
		Type:   EventJob,
		Worker: u.WorkerName,
		Time:   time.Now(),
		Job: &JobMessage{
			JobID:      u.JobID,
			Height:     u.Height,
			Difficulty: u.Difficulty,
			PrevHash:   hex.EncodeToString(u.PrevHash),
			Version:    hex.EncodeToString(u.Version),
			NBits:      hex.EncodeToString(u.Bits),
			NTime:      hex.EncodeToString(u.Time),
		},
	}
}

// NewShareSubmittedEvent describes the solved unit u
func NewShareSubmittedEvent(u *work.Unit) *Event {
	en2, ntime, nonce := u.SubmitParams()
	return &Event{
		ID:     uuid.NewString(),
		Type:   EventShareSubmitted,
		Worker: u.WorkerName,
		Time:   time.Now(),
		Share: &ShareMessage{
			JobID:       u.JobID,
			Extranonce2: en2,
			NTime:       ntime,
			Nonce:       nonce,
			Difficulty:  u.Difficulty,
		},
	}
}

// NewShareResultEvent describes a pool reply
func NewShareResultEvent(worker string, accepted bool, reason string, snap stats.Snapshot) *Event {
	return &Event{
		ID:     uuid.NewString(),
		Type:   EventShareResult,
		Worker: worker,
		Time:   snap.Timestamp,
		Share: &ShareMessage{
			Accepted:      accepted,
			Reason:        reason,
			AcceptedTotal: snap.Accepted,
			RejectedTotal: snap.Rejected,
		},
	}
}

// NewStatsEvent describes snap
func NewStatsEvent(worker string, snap stats.Snapshot) *Event {
	return &Event{
		ID:     uuid.NewString(),
		Type:   EventStats,
		Worker: worker,
		Time:   snap.Timestamp,
		Stats: &StatsMessage{
			HashesPerSecond: snap.HashesPerSecond,
			Accepted:        snap.Accepted,
			Rejected:        snap.Rejected,
			AcceptedPercent: snap.AcceptedPercent(),
			UptimeSeconds:   int64(snap.Uptime.Seconds()),
		},
	}
}

// Snapshot rebuilds the stats snapshot carried by a stats event
func (m *StatsMessage) Snapshot(at time.Time) stats.Snapshot {
	return stats.Snapshot{
		Timestamp:       at,
		Uptime:          time.Duration(m.UptimeSeconds) * time.Second,
		HashesPerSecond: m.HashesPerSecond,
		Accepted:        m.Accepted,
		Rejected:        m.Rejected,
	}
}
