package stats

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"

	"github.com/bardlex/gominer/pkg/log"
)

// Sink stores snapshots outside the process
type Sink interface {
	RecordStats(ctx context.Context, s Snapshot) error
}

// Reporter logs a summary line and feeds the sinks on a fixed interval
type Reporter struct {
	stats    *Statistics
	interval time.Duration
	sinks    []Sink
	logger   *log.Logger
}

// NewReporter creates a reporter. A non-positive interval means one minute.
func NewReporter(stats *Statistics, interval time.Duration, logger *log.Logger, sinks ...Sink) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		stats:    stats,
		interval: interval,
		sinks:    sinks,
		logger:   logger.WithComponent("stats"),
	}
}

// Run reports until ctx is done
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report emits one summary immediately
func (r *Reporter) Report(ctx context.Context) Snapshot {
	snap := r.stats.Snapshot()

	r.logger.Info("mining summary",
		"uptime", FormatUptime(snap.Uptime),
		"hashrate", FormatHashrate(snap.HashesPerSecond),
		"khs", snap.HashesPerSecond/1000,
		"accepted", snap.Accepted,
		"rejected", snap.Rejected,
		"accepted_pct", snap.AcceptedPercent(),
	)

	for _, sink := range r.sinks {
		if err := sink.RecordStats(ctx, snap); err != nil {
			r.logger.WithError(err).Warn("failed to record statistics")
		}
	}
	return snap
}

// FormatUptime renders d with its two most significant units
func FormatUptime(d time.Duration) string {
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

// FormatHashrate renders hps with an SI prefix, e.g. "2.5 kH/s"
func FormatHashrate(hps float64) string {
	return humanize.SIWithDigits(hps, 2, "H/s")
}
