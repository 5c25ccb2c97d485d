// Package circuit implements a circuit breaker for the miner's telemetry sinks.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has passed
	StateOpen
	// StateHalfOpen lets calls through to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // failures before opening
	SuccessRequired int           // successes in half-open before closing
	Timeout         time.Duration // open duration before half-open
	ResetTimeout    time.Duration // closed-state failure count window

	// OnStateChange is called outside the breaker lock after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the configuration used for telemetry sinks
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// New creates a circuit breaker. A nil config uses DefaultConfig.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the circuit is open
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allow() {
		return zero, errors.New(errors.KindTelemetry, "circuit_breaker", "circuit breaker is open").
			With("breaker", cb.config.Name).
			With("state", cb.State().String())
	}

	res, err := fn()
	cb.record(err)
	return res, err
}

func (cb *Breaker) allow() bool {
	cb.mutex.Lock()
	from := cb.state
	now := time.Now()

	allowed := false
	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		}
	case StateHalfOpen:
		allowed = true
	}
	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) record(err error) {
	cb.mutex.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.state = StateOpen
				cb.successes = 0
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = time.Now()
		}
	}
	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state
func (cb *Breaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters
func (cb *Breaker) Stats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset closes the circuit and clears its counters
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
	cb.mutex.Unlock()

	cb.notify(from, StateClosed)
}
