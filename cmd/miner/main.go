// Package main implements the gominer command: a Stratum V1 mining client
// hashing pool jobs on CPU, GPU or serial devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/device"
	"github.com/bardlex/gominer/internal/manager"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const shutdownTimeout = 30 * time.Second

// Exit codes; exitConfig is EX_CONFIG from sysexits.h
const (
	exitFailure = 1
	exitConfig  = 78
)

// exitCode maps a startup error to the process exit code
func exitCode(err error) int {
	if errors.IsFatal(err) {
		return exitConfig
	}
	return exitFailure
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitCode(err))
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting miner",
		"worker_id", cfg.WorkerID,
		"device_type", string(cfg.DeviceType),
		"algorithm", string(cfg.Algorithm),
		"work_hosts", len(cfg.WorkHosts),
		"network", cfg.Network,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := newMiner(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create miner")
		os.Exit(exitCode(err))
	}

	if err := m.start(ctx); err != nil {
		logger.WithError(err).Error("failed to start miner")
		_ = m.shutdown(context.Background())
		os.Exit(exitCode(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := m.shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(exitFailure)
	}

	logger.Info("miner stopped")
}

// miner owns every long-lived component of the process
type miner struct {
	cfg    *config.Config
	logger *log.Logger

	engine   *pow.Engine
	stats    *stats.Statistics
	devices  *device.Manager
	work     *manager.WorkManager
	db       *database.Manager
	bus      *messaging.Bus
	reporter *stats.Reporter

	reporterWG sync.WaitGroup
	stopReport context.CancelFunc
}

// newMiner builds the components. Telemetry sinks that cannot be reached
// are logged and left out.
func newMiner(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...device.Option) (*miner, error) {
	engine := pow.NewEngine(logger)
	if !engine.Supports(cfg.Algorithm) {
		return nil, errors.New(errors.KindHashType, "new_miner", "unsupported work algorithm").
			With("algorithm", string(cfg.Algorithm))
	}

	m := &miner{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		stats:  stats.New(),
	}
	m.devices = device.NewManager(cfg, engine, logger, opts...)

	worker := cfg.WorkHosts[0].Username
	m.db = buildDatabase(ctx, cfg, worker, logger)

	publishers := buildPublishers(cfg, logger)
	if m.db.Enabled() {
		publishers = append(publishers, m.db)
	}

	var sinks []stats.Sink
	var managerOpts []manager.Option
	if len(publishers) > 0 {
		m.bus = messaging.NewBus(worker, messaging.DefaultQueueSize, logger, publishers...)
		sinks = append(sinks, m.bus)
		managerOpts = append(managerOpts, manager.WithEventSink(m.bus))
	}
	if m.db.Enabled() {
		sinks = append(sinks, m.db)
	}
	m.reporter = stats.NewReporter(m.stats, cfg.StatsInterval, logger, sinks...)

	wm, err := manager.New(cfg, m.devices, m.stats, logger, managerOpts...)
	if err != nil {
		if m.bus != nil {
			_ = m.bus.Close()
		} else {
			_ = m.db.Close()
		}
		return nil, err
	}
	m.work = wm
	return m, nil
}

func buildDatabase(ctx context.Context, cfg *config.Config, worker string, logger *log.Logger) *database.Manager {
	dbConfig := &database.Config{}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Worker: worker,
		}
	}
	if cfg.RedisURL != "" {
		dbConfig.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			Worker:       worker,
			TTL:          10 * cfg.StatsInterval,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}

	db, err := database.NewManager(ctx, dbConfig, logger)
	if err != nil {
		logger.WithError(err).Warn("database telemetry disabled")
		return database.NewManagerWith(nil, nil, logger)
	}
	return db
}

func buildPublishers(cfg *config.Config, logger *log.Logger) []messaging.Publisher {
	var publishers []messaging.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publishers = append(publishers, messaging.NewKafkaPublisher(cfg.KafkaBrokers, logger))
	}
	if cfg.ZMQPublishAddr != "" {
		zp, err := messaging.NewZMQPublisher(cfg.ZMQPublishAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("zmq event feed disabled", "endpoint", cfg.ZMQPublishAddr)
		} else {
			publishers = append(publishers, zp)
		}
	}
	return publishers
}

// start brings up telemetry, the devices and the pool connection
func (m *miner) start(ctx context.Context) error {
	if m.bus != nil {
		m.bus.Start(ctx)
	}

	if err := m.devices.Start(ctx, m.work); err != nil {
		return err
	}
	if m.devices.Count() == 0 {
		m.logger.Warn("no device started, jobs will not be hashed", "device_type", string(m.cfg.DeviceType))
	}

	if err := m.work.Start(ctx); err != nil {
		return err
	}

	reportCtx, stop := context.WithCancel(ctx)
	m.stopReport = stop
	m.reporterWG.Add(1)
	go func() {
		defer m.reporterWG.Done()
		m.reporter.Run(reportCtx)
	}()
	return nil
}

// shutdown stops the devices, then the pool connections and timers, then
// telemetry. It gives up when ctx expires.
func (m *miner) shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)

		m.devices.Stop()
		m.work.Stop()

		if m.stopReport != nil {
			m.stopReport()
			m.reporterWG.Wait()
		}
		m.reporter.Report(context.WithoutCancel(ctx))

		if m.bus != nil {
			if err := m.bus.Close(); err != nil {
				m.logger.WithError(err).Warn("event bus closed with errors")
			}
		} else if err := m.db.Close(); err != nil {
			m.logger.WithError(err).Warn("database sinks closed with errors")
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown did not complete: %w", ctx.Err())
	}
}
