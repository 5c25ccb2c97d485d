// Package redis keeps the miner's live counters and current job in Redis
// so that a dashboard can read them.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
)

// Client wraps Redis operations for one worker
type Client struct {
	rdb    *redis.Client
	worker string
	ttl    time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// URL
	URL          string
	Worker       string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient parses cfg.URL, connects and pings the server
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "redis_url", "invalid redis url")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	opts.MaxRetries = 1

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	c := &Client{rdb: redis.NewClient(opts), worker: cfg.Worker, ttl: ttl}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.KindTelemetry, "redis_ping", "failed to ping redis")
	}
	return nil
}

// StatsKey is the hash holding the latest summary of worker
func StatsKey(worker string) string {
	return fmt.Sprintf("miner:%s:stats", worker)
}

// ShareCounterKey is the counter of accepted or rejected shares of worker
func ShareCounterKey(worker string, accepted bool) string {
	if accepted {
		return fmt.Sprintf("miner:%s:shares:accepted", worker)
	}
	return fmt.Sprintf("miner:%s:shares:rejected", worker)
}

// JobKey is the hash describing the job worker is hashing
func JobKey(worker string) string {
	return fmt.Sprintf("miner:%s:job", worker)
}

// SetStats replaces the summary hash
func (c *Client) SetStats(ctx context.Context, snap stats.Snapshot) error {
	key := StatsKey(c.worker)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, StatsFields(snap))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.KindTelemetry, "redis_set_stats", "failed to set stats").With("key", key)
	}
	return nil
}

// IncrementShare bumps the accepted or rejected counter
func (c *Client) IncrementShare(ctx context.Context, accepted bool) (int64, error) {
	key := ShareCounterKey(c.worker, accepted)

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.KindTelemetry, "redis_increment", "failed to increment counter").With("key", key)
	}
	return incr.Val(), nil
}

// SetJob records the job currently handed to the devices
func (c *Client) SetJob(ctx context.Context, jobID string, height int64, difficulty float64) error {
	key := JobKey(c.worker)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"job_id", jobID,
		"height", strconv.FormatInt(height, 10),
		"difficulty", strconv.FormatFloat(difficulty, 'f', -1, 64),
		"received_at", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.KindTelemetry, "redis_set_job", "failed to set job").With("key", key)
	}
	return nil
}

// Counter reads a counter, 0 when missing
func (c *Client) Counter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.KindTelemetry, "redis_get_counter", "failed to get counter").With("key", key)
	}
	return val, nil
}

// StatsFields flattens a snapshot into hash fields
func StatsFields(snap stats.Snapshot) map[string]any {
	return map[string]any{
		"hashrate":       strconv.FormatFloat(snap.HashesPerSecond, 'f', 2, 64),
		"accepted":       snap.Accepted,
		"rejected":       snap.Rejected,
		"uptime_seconds": int64(snap.Uptime.Seconds()),
		"updated_at":     snap.Timestamp.Unix(),
	}
}
