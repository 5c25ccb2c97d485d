// Package database coordinates the miner's optional InfluxDB and Redis sinks.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// InfluxWriter is the part of *influx.Client the manager uses
type InfluxWriter interface {
	WriteStats(ctx context.Context, snap stats.Snapshot) error
	WriteShare(ctx context.Context, accepted bool, reason string, difficulty float64, at time.Time) error
	Health(ctx context.Context) error
	Close()
}

// RedisWriter is the part of *redis.Client the manager uses
type RedisWriter interface {
	SetStats(ctx context.Context, snap stats.Snapshot) error
	IncrementShare(ctx context.Context, accepted bool) (int64, error)
	SetJob(ctx context.Context, jobID string, height int64, difficulty float64) error
	Health(ctx context.Context) error
	Close() error
}

// Manager writes stats and share results to every configured backend.
// Each backend has its own circuit breaker so one outage does not hold
// back the other.
type Manager struct {
	Influx InfluxWriter
	Redis  RedisWriter

	influxBreaker *circuit.Breaker
	redisBreaker  *circuit.Breaker
	retryConfig   *retry.Config
	logger        *log.Logger
}

// Config holds configuration for the backends. A nil entry disables it.
type Config struct {
	Influx *influx.Config
	Redis  *redis.Config
}

// NewManager connects to the configured backends
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	var (
		influxClient InfluxWriter
		redisClient  RedisWriter
	)

	if cfg.Influx != nil {
		c, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTelemetry, "influx_connection",
				"failed to connect to InfluxDB").With("url", cfg.Influx.URL)
		}
		influxClient = c
	}

	if cfg.Redis != nil {
		c, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.KindTelemetry, "redis_connection", "failed to connect to Redis")
			if influxClient != nil {
				influxClient.Close()
			}
			return nil, origErr
		}
		redisClient = c
	}

	return NewManagerWith(influxClient, redisClient, logger), nil
}

// NewManagerWith builds a manager over already connected backends. Either
// may be nil.
func NewManagerWith(influxClient InfluxWriter, redisClient RedisWriter, logger *log.Logger) *Manager {
	logger = logger.WithComponent("database")
	onChange := func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	breaker := func(name string) *circuit.Breaker {
		return circuit.New(&circuit.Config{
			Name:            name,
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange:   onChange,
		})
	}

	return &Manager{
		Influx:        influxClient,
		Redis:         redisClient,
		influxBreaker: breaker("influx"),
		redisBreaker:  breaker("redis"),
		retryConfig:   retry.TelemetryConfig(),
		logger:        logger,
	}
}

// Enabled reports whether any backend is configured
func (m *Manager) Enabled() bool {
	return m.Influx != nil || m.Redis != nil
}

// Close closes all backend connections
func (m *Manager) Close() error {
	var errs []error
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every configured backend
func (m *Manager) Health(ctx context.Context) error {
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	return nil
}

// RecordStats implements stats.Sink. Both backends are attempted; the
// first failure is returned.
func (m *Manager) RecordStats(ctx context.Context, snap stats.Snapshot) error {
	var first error
	if m.Influx != nil {
		if err := m.guard(ctx, m.influxBreaker, func() error { return m.Influx.WriteStats(ctx, snap) }); err != nil {
			first = err
		}
	}
	if m.Redis != nil {
		if err := m.guard(ctx, m.redisBreaker, func() error { return m.Redis.SetStats(ctx, snap) }); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Name implements messaging.Publisher
func (m *Manager) Name() string {
	return "database"
}

// Publish implements messaging.Publisher. Stats events are ignored since
// the reporter records them directly; submissions carry nothing to store.
func (m *Manager) Publish(ctx context.Context, ev *messaging.Event) error {
	switch ev.Type {
	case messaging.EventJob:
		if m.Redis == nil || ev.Job == nil {
			return nil
		}
		return m.guard(ctx, m.redisBreaker, func() error {
			return m.Redis.SetJob(ctx, ev.Job.JobID, ev.Job.Height, ev.Job.Difficulty)
		})

	case messaging.EventShareResult:
		if ev.Share == nil {
			return nil
		}
		return m.recordShare(ctx, ev)
	}
	return nil
}

func (m *Manager) recordShare(ctx context.Context, ev *messaging.Event) error {
	s := ev.Share
	var first error

	if m.Influx != nil {
		err := m.guard(ctx, m.influxBreaker, func() error {
			return m.Influx.WriteShare(ctx, s.Accepted, s.Reason, s.Difficulty, ev.Time)
		})
		if err != nil {
			first = err
		}
	}

	if m.Redis != nil {
		err := m.guard(ctx, m.redisBreaker, func() error {
			_, err := m.Redis.IncrementShare(ctx, s.Accepted)
			return err
		})
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) guard(ctx context.Context, cb *circuit.Breaker, fn func() error) error {
	return cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

var (
	_ InfluxWriter = (*influx.Client)(nil)
	_ RedisWriter  = (*redis.Client)(nil)
)
