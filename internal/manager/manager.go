// Package manager keeps the miner connected to a pool, fails over to backup
// hosts, and moves work between the pool connection and the devices.
package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const dispatchQueueSize = 64

// DeviceManager receives work for the hashing devices
type DeviceManager interface {
	SetWork(u *work.Unit)
	HashesPerSecond() float64
}

// EventSink observes jobs and shares. Implementations must not block.
type EventSink interface {
	JobReceived(u *work.Unit)
	ShareSubmitted(u *work.Unit)
	ShareResult(accepted bool, reason string, snap stats.Snapshot)
}

// ProbeFunc checks that address accepts TCP connections
type ProbeFunc func(ctx context.Context, address string) error

// Option configures a WorkManager
type Option func(*WorkManager)

// WithEventSink adds an observer for jobs and shares
func WithEventSink(sink EventSink) Option {
	return func(m *WorkManager) {
		m.events = append(m.events, sink)
	}
}

// WithProbe replaces the TCP health probe of the primary host
func WithProbe(probe ProbeFunc) Option {
	return func(m *WorkManager) {
		m.probe = probe
	}
}

// WithConnectionOptions sets the options of every pool connection
func WithConnectionOptions(opts stratum.Options) Option {
	return func(m *WorkManager) {
		m.connOpts = opts
	}
}

// WorkManager owns the pool connections and the failover timers
type WorkManager struct {
	hosts          []config.PoolHost
	tick           time.Duration
	failoverTick   time.Duration
	healthInterval time.Duration
	connOpts       stratum.Options
	probe          ProbeFunc
	probeRetry     *retry.Config

	devices DeviceManager
	stats   *stats.Statistics
	events  []EventSink
	logger  *log.Logger

	mu          sync.Mutex
	ctx         context.Context
	connections []*stratum.Connection
	hostIndex   int
	tickTimer   *time.Timer
	healthTimer *time.Timer
	current     *work.Unit
	running     bool

	dispatch chan *work.Unit
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a work manager for cfg.WorkHosts
func New(cfg *config.Config, devices DeviceManager, st *stats.Statistics, logger *log.Logger, opts ...Option) (*WorkManager, error) {
	if len(cfg.WorkHosts) == 0 {
		return nil, errors.New(errors.KindConfiguration, "new_work_manager", "no work hosts")
	}

	connOpts := stratum.DefaultOptions()
	if cfg.ConnectTimeout > 0 {
		connOpts.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.OutboundQueueSize > 0 {
		connOpts.OutboundQueueSize = cfg.OutboundQueueSize
	}
	connOpts.ChainParams = cfg.ChainParams()

	m := &WorkManager{
		hosts:          cfg.WorkHosts,
		tick:           cfg.TickInterval,
		failoverTick:   cfg.FailoverTickInterval,
		healthInterval: cfg.HealthCheckInterval,
		connOpts:       connOpts,
		probe:          probeTCP,
		probeRetry:     retry.ProbeConfig(),
		devices:        devices,
		stats:          st,
		logger:         logger.WithComponent("work_manager"),
		dispatch:       make(chan *work.Unit, dispatchQueueSize),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start connects to the primary host and arms the tick timer
func (m *WorkManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.ctx = ctx
	m.hostIndex = 0

	m.wg.Add(1)
	go m.dispatchLoop()

	m.logger.Info("switching to primary work host", "index", 0, "pool", m.hosts[0].String())
	m.tickTimer = time.AfterFunc(m.tick, m.onTick)
	m.connectLocked()
	return nil
}

// Stop closes every connection, cancels the timers and ends the dispatcher
func (m *WorkManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.tickTimer != nil {
		m.tickTimer.Stop()
	}
	if m.healthTimer != nil {
		m.healthTimer.Stop()
	}
	conns := m.connections
	m.connections = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.Stop()
	}
	for _, c := range conns {
		c.Wait()
	}

	close(m.done)
	m.wg.Wait()
	m.logger.Info("work manager stopped")
}

// HostIndex returns the index of the host currently used
func (m *WorkManager) HostIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostIndex
}

// LiveConnections returns the number of connections not yet closed
func (m *WorkManager) LiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.connections {
		if c.Alive() {
			n++
		}
	}
	return n
}

// currentWork returns the last unit handed to the devices
func (m *WorkManager) currentWork() *work.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// HandleWork is called by the pool connection for every job
func (m *WorkManager) HandleWork(u *work.Unit) {
	if u != nil {
		for _, e := range m.events {
			e.JobReceived(u)
		}
	}
	m.SetWork(u)
}

// SetWork stores u and forwards it to the devices in order. Nil cancels the
// current work.
func (m *WorkManager) SetWork(u *work.Unit) {
	m.mu.Lock()
	m.current = u
	m.mu.Unlock()

	select {
	case m.dispatch <- u:
	case <-m.done:
	}
}

// SubmitWork sends a solved unit to every live connection. With no live
// connection the share is dropped.
func (m *WorkManager) SubmitWork(u *work.Unit) {
	m.refreshHashrate()

	en2, ntime, nonce := u.SubmitParams()
	req := stratum.NewSubmitRequest(u.WorkerName, u.JobID, en2, ntime, nonce)

	m.mu.Lock()
	conns := make([]*stratum.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		if c.Alive() {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	logger := m.logger.WithJob(u.JobID, u.Height)
	if len(conns) == 0 {
		logger.Warn("dropping share, no live pool connection", "nonce", nonce)
		return
	}

	sent := 0
	for _, c := range conns {
		if err := c.Write(req); err != nil {
			logger.WithError(err).Warn("failed to queue share")
			continue
		}
		sent++
	}
	if sent == 0 {
		return
	}

	logger.Info("submitting share", "extranonce2", en2, "ntime", ntime, "nonce", nonce)
	for _, e := range m.events {
		e.ShareSubmitted(u)
	}
}

// HandleShareResult is called by the pool connection for every submit reply
func (m *WorkManager) HandleShareResult(accepted bool, reason string) {
	m.stats.RecordShare(accepted)
	snap := m.stats.Snapshot()

	jobID := ""
	if u := m.currentWork(); u != nil {
		jobID = u.JobID
	}

	m.logger.LogShareResult(jobID, accepted, snap.Accepted, snap.Rejected, snap.HashesPerSecond)
	if !accepted {
		m.logger.Info("share rejected", "reason", reason)
	}

	for _, e := range m.events {
		e.ShareResult(accepted, reason, snap)
	}
}

func (m *WorkManager) refreshHashrate() {
	m.stats.SetHashesPerSecond(m.devices.HashesPerSecond())
}

func (m *WorkManager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case u := <-m.dispatch:
			m.devices.SetWork(u)
		}
	}
}

// connectLocked starts a connection to the current host. m.mu must be held.
func (m *WorkManager) connectLocked() {
	host := m.hosts[m.hostIndex]
	m.logger.Info("work manager is connecting", "index", m.hostIndex, "pool", host.Address())

	c := stratum.NewConnection(host, m, m.connOpts, m.logger.WithHost(m.hostIndex, host.Address()))
	m.connections = append(m.connections, c)
	c.Start(m.ctx)
}

func (m *WorkManager) onTick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	live := m.connections[:0]
	for _, c := range m.connections {
		if c.Alive() {
			live = append(live, c)
		}
	}
	clear(m.connections[len(live):])
	m.connections = live

	m.logger.Debug("work manager tick", "connections", len(live))

	next := m.tick
	lost := len(live) == 0
	if lost {
		m.logger.Error("work manager disconnected")
		next = m.failoverTick

		if m.hostIndex+1 < len(m.hosts) {
			from := m.hostIndex
			m.hostIndex++
			m.logger.LogFailover(from, m.hostIndex, "no live connection")
			m.armHealthCheckLocked()
			m.connectLocked()
		} else {
			m.logger.Info("work host is down, retrying", "index", m.hostIndex)
			m.armHealthCheckLocked()
			m.connectLocked()
		}
	}

	m.tickTimer = time.AfterFunc(next, m.onTick)
	m.mu.Unlock()

	if lost {
		m.SetWork(nil)
	}
	m.refreshHashrate()
}

func (m *WorkManager) armHealthCheckLocked() {
	if m.healthTimer != nil {
		m.healthTimer.Stop()
	}
	m.healthTimer = time.AfterFunc(m.healthInterval, m.onHealthCheck)
}

func (m *WorkManager) onHealthCheck() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	primary := m.hosts[0].Address()
	m.mu.Unlock()

	err := retry.Do(ctx, m.probeRetry, func() error {
		return m.probe(ctx, primary)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	if err != nil {
		m.logger.WithError(err).Info("primary work host check failed, will retry")
		m.armHealthCheckLocked()
		return
	}

	m.logger.Info("primary work host check success")
	for _, c := range m.connections {
		c.Stop()
	}
	m.connections = nil

	from := m.hostIndex
	m.hostIndex = 0
	m.logger.LogFailover(from, 0, "primary host reachable")
	m.connectLocked()
}

func probeTCP(ctx context.Context, address string) error {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "probe", "primary host unreachable").With("pool", address)
	}
	return conn.Close()
}
