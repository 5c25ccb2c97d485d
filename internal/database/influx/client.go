// Package influx writes the miner's hashrate and share time series to InfluxDB.
package influx

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
)

// Measurement names
const (
	MeasurementStats  = "miner_stats"
	MeasurementShares = "miner_shares"
)

// Client wraps the blocking write API so that failures reach the caller's
// retry and circuit breaker
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
	worker   string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Worker tags every point
	Worker string
}

// NewClient creates a client and checks the server health
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		worker:   cfg.Worker,
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the HTTP client
func (c *Client) Close() {
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindTelemetry, "influx_health", "failed to check health")
	}

	if health.Status != "pass" {
		msg := string(health.Status)
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.KindTelemetry, "influx_health", "health check failed").With("status", msg)
	}
	return nil
}

// WriteStats writes one summary point
func (c *Client) WriteStats(ctx context.Context, snap stats.Snapshot) error {
	return c.write(ctx, "influx_write_stats", StatsPoint(c.worker, snap))
}

// WriteShare writes one share result point
func (c *Client) WriteShare(ctx context.Context, accepted bool, reason string, difficulty float64, at time.Time) error {
	return c.write(ctx, "influx_write_share", SharePoint(c.worker, accepted, reason, difficulty, at))
}

func (c *Client) write(ctx context.Context, op string, p *write.Point) error {
	if err := c.writeAPI.WritePoint(ctx, p); err != nil {
		return errors.Wrap(err, errors.KindTelemetry, op, "failed to write point").
			With("bucket", c.bucket).
			With("org", c.org)
	}
	return nil
}

// StatsPoint builds the periodic summary point
func StatsPoint(worker string, snap stats.Snapshot) *write.Point {
	tags := map[string]string{
		"worker": worker,
	}

	fields := map[string]any{
		"hashrate":         snap.HashesPerSecond,
		"accepted":         int64(snap.Accepted),
		"rejected":         int64(snap.Rejected),
		"accepted_percent": snap.AcceptedPercent(),
		"uptime_seconds":   int64(snap.Uptime.Seconds()),
	}

	return write.NewPoint(MeasurementStats, tags, fields, snap.Timestamp)
}

// SharePoint builds a point for one share reply
func SharePoint(worker string, accepted bool, reason string, difficulty float64, at time.Time) *write.Point {
	tags := map[string]string{
		"worker":   worker,
		"accepted": strconv.FormatBool(accepted),
	}
	if reason != "" {
		tags["reason"] = reason
	}

	fields := map[string]any{
		"difficulty": difficulty,
		"count":      int64(1),
	}

	return write.NewPoint(MeasurementShares, tags, fields, at)
}
