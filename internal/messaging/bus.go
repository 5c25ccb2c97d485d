package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// DefaultQueueSize bounds the events waiting to be published
	DefaultQueueSize = 256

	drainTimeout = 5 * time.Second
)

// Publisher delivers events to one destination
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// Bus queues events from the work manager and the stats reporter and hands
// them to every publisher from a single goroutine. A full queue drops the
// event.
type Bus struct {
	worker     string
	publishers []Publisher
	queue      chan *Event
	logger     *log.Logger

	dropped   atomic.Uint64
	published atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
}

// NewBus creates a bus publishing to publishers. worker names the miner in
// events that are not tied to a unit.
func NewBus(worker string, queueSize int, logger *log.Logger, publishers ...Publisher) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		worker:     worker,
		publishers: publishers,
		queue:      make(chan *Event, queueSize),
		logger:     logger.WithComponent("event_bus"),
		done:       make(chan struct{}),
	}
}

// Start launches the publishing goroutine
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	names := make([]string, 0, len(b.publishers))
	for _, p := range b.publishers {
		names = append(names, p.Name())
	}
	b.logger.Info("event bus started", "publishers", names)

	b.wg.Add(1)
	go b.run(ctx)
}

// Close publishes what is still queued, then closes every publisher
func (b *Bus) Close() error {
	var lastErr error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		for _, p := range b.publishers {
			if err := p.Close(); err != nil {
				b.logger.WithError(err).Warn("failed to close publisher", "publisher", p.Name())
				lastErr = err
			}
		}
		b.logger.Info("event bus stopped", "published", b.published.Load(), "dropped", b.dropped.Load())
	})
	return lastErr
}

// Dropped returns the number of events lost to a full queue
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Published returns the number of events handed to the publishers
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// JobReceived implements manager.EventSink
func (b *Bus) JobReceived(u *work.Unit) {
	b.enqueue(NewJobEvent(u))
}

// ShareSubmitted implements manager.EventSink
func (b *Bus) ShareSubmitted(u *work.Unit) {
	b.enqueue(NewShareSubmittedEvent(u))
}

// ShareResult implements manager.EventSink
func (b *Bus) ShareResult(accepted bool, reason string, snap stats.Snapshot) {
	b.enqueue(NewShareResultEvent(b.worker, accepted, reason, snap))
}

// RecordStats implements stats.Sink
func (b *Bus) RecordStats(_ context.Context, snap stats.Snapshot) error {
	b.enqueue(NewStatsEvent(b.worker, snap))
	return nil
}

func (b *Bus) enqueue(ev *Event) {
	select {
	case <-b.done:
		b.dropped.Add(1)
		return
	default:
	}

	select {
	case b.queue <- ev:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("event queue full, dropping events", "event", string(ev.Type), "dropped", b.dropped.Load())
		}
	}
}

func (b *Bus) run(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case ev := <-b.queue:
			b.publish(ctx, ev)
		case <-b.done:
			b.drain(ctx)
			return
		}
	}
}

// drain publishes the queued events under a fresh deadline since ctx is
// usually cancelled by then
func (b *Bus) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-b.queue:
			b.publish(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) publish(ctx context.Context, ev *Event) {
	for _, p := range b.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			b.logger.WithError(err).Warn("failed to publish event", "publisher", p.Name(), "event", string(ev.Type))
		}
	}
	b.published.Add(1)
}
