package device

import (
	"context"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/serial"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// maxFanout bounds the goroutines used to hand a unit to the backends
const maxFanout = 8

// Backend is one hashing device
type Backend interface {
	Start(ctx context.Context) error
	Stop()
	SetWork(u *work.Unit)
	HashesPerSecond() float64
}

// PortOpener opens a serial port by path
type PortOpener func(path string) (io.ReadWriteCloser, error)

// Option configures a Manager
type Option func(*Manager)

// WithPortOpener replaces serial.Open
func WithPortOpener(open PortOpener) Option {
	return func(m *Manager) {
		m.open = open
	}
}

// Manager owns every backend of the configured device type
type Manager struct {
	kind             config.DeviceType
	cores            int
	ports            []string
	pow              config.PowType
	handshakeTimeout time.Duration

	scanner Scanner
	open    PortOpener
	logger  *log.Logger

	mu       sync.RWMutex
	backends []Backend
	running  bool
}

// NewManager creates a manager for cfg.DeviceType
func NewManager(cfg *config.Config, scanner Scanner, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		kind:             cfg.DeviceType,
		cores:            cfg.DeviceCores,
		ports:            cfg.SerialPorts,
		pow:              cfg.Algorithm,
		handshakeTimeout: cfg.HandshakeTimeout,
		scanner:          scanner,
		open:             serial.Open,
		logger:           logger.WithComponent("device_manager").WithFields("device_type", string(cfg.DeviceType)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CoreCount returns configured when positive, otherwise one less than the
// number of CPUs and at least one
func CoreCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return max(1, runtime.NumCPU()-1)
}

// Start creates and starts the backends. Solutions found by CPU workers are
// handed to submitter.
func (m *Manager) Start(ctx context.Context, submitter Submitter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	var backends []Backend
	switch m.kind {
	case config.DeviceCPU:
		n := CoreCount(m.cores)
		m.logger.Info("cpu manager starting",
			"cores", n,
			"cpu", cpuid.CPU.BrandName,
			"avx2", cpuid.CPU.Has(cpuid.AVX2),
			"avx512", cpuid.CPU.Has(cpuid.AVX512F),
			"sha", cpuid.CPU.Has(cpuid.SHA),
			"l1d_cache", cpuid.CPU.Cache.L1D,
			"sha256", work.SHA256Implementation(),
		)
		for i := range n {
			backends = append(backends, NewWorker(i, n, m.pow, m.scanner, submitter, m.logger))
		}

	case config.DeviceGPU:
		m.logger.Info("gpu manager starting", "devices", gpuDevices)
		for i := range gpuDevices {
			backends = append(backends, NewGPUWorker(i, m.logger))
		}

	case config.DeviceSerial:
		for _, path := range m.ports {
			port, err := m.open(path)
			if err != nil {
				m.logger.WithError(err).Warn("cannot open serial port", "port", path)
				continue
			}
			backends = append(backends, serial.NewDevice(path, port, serial.ModelMojoV3, m.handshakeTimeout, m.logger))
		}
		m.logger.Info("serial manager opened ports", "opened", len(backends), "configured", len(m.ports))

	default:
		return errors.New(errors.KindConfiguration, "start_devices", "unknown device type").With("device_type", string(m.kind))
	}

	for i, b := range backends {
		if err := b.Start(ctx); err != nil {
			for _, started := range backends[:i] {
				started.Stop()
			}
			return errors.Wrap(err, errors.KindInternal, "start_devices", "cannot start device").With("index", i)
		}
	}

	m.backends = backends
	m.running = true
	return nil
}

// Stop stops every backend and waits for them
func (m *Manager) Stop() {
	m.mu.Lock()
	backends := m.backends
	m.backends = nil
	m.running = false
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			b.Stop()
		}(b)
	}
	wg.Wait()

	if len(backends) > 0 {
		m.logger.Info("devices stopped", "count", len(backends))
	}
}

// SetWork hands u to every backend and returns once all have accepted it
func (m *Manager) SetWork(u *work.Unit) {
	m.mu.RLock()
	backends := m.backends
	m.mu.RUnlock()

	swg := sizedwaitgroup.New(maxFanout)
	for _, b := range backends {
		swg.Add()
		go func(b Backend) {
			defer swg.Done()
			b.SetWork(u)
		}(b)
	}
	swg.Wait()
}

// HashesPerSecond sums the backends' hashrates
func (m *Manager) HashesPerSecond() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, b := range m.backends {
		total += b.HashesPerSecond()
	}
	return total
}

// Count returns the number of running backends
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backends)
}
