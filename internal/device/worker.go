// Package device runs the hashing backends: CPU workers, the GPU placeholder
// and serial hashing boards.
package device

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// guardBand is left unscanned at the top of every nonce partition
	guardBand = 0x20

	// defaultBatch bounds a scan before the first hashrate sample exists
	defaultBatch = 0xFFFF0000

	// batchSeconds sizes a scan batch from the measured hashrate
	batchSeconds = 60

	idleWait = time.Second
)

// Scanner searches a nonce range. *pow.Engine implements it.
type Scanner interface {
	Scan(p config.PowType, data *[32]uint32, target *[8]uint32, maxNonce uint32, restart, hasNewWork *atomic.Bool) pow.Result
}

// Submitter receives solved units
type Submitter interface {
	SubmitWork(u *work.Unit)
}

// NonceRange returns the partition [start, end) of worker i out of n
func NonceRange(i, n int) (start, end uint32) {
	if n < 1 {
		n = 1
	}
	size := (uint64(1) << 32) / uint64(n)
	return uint32(size * uint64(i)), uint32(size*uint64(i+1) - guardBand)
}

// Worker scans one nonce partition on its own goroutine
type Worker struct {
	id        int
	count     int
	pow       config.PowType
	scanner   Scanner
	submitter Submitter
	logger    *log.Logger

	mu   sync.Mutex
	unit *work.Unit

	hasNewWork   atomic.Bool
	needsRestart atomic.Bool
	running      atomic.Bool
	hps          atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// NewWorker creates worker id of count
func NewWorker(id, count int, p config.PowType, scanner Scanner, submitter Submitter, logger *log.Logger) *Worker {
	return &Worker{
		id:        id,
		count:     count,
		pow:       p,
		scanner:   scanner,
		submitter: submitter,
		logger:    logger.WithDevice(string(config.DeviceCPU), id),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the search goroutine
func (w *Worker) Start(_ context.Context) error {
	w.running.Store(true)
	go w.loop()
	return nil
}

// Stop ends the search and waits for the goroutine to exit
func (w *Worker) Stop() {
	if !w.running.Swap(false) {
		return
	}
	w.needsRestart.Store(true)
	close(w.stop)
	<-w.done
	w.hps.Store(0)
}

// SetWork publishes u. A nil unit cancels the current scan; a different job
// id interrupts it; the same job id is swapped in without interruption.
func (w *Worker) SetWork(u *work.Unit) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case u == nil:
		w.unit = nil
		w.needsRestart.Store(true)
	case w.unit == nil || w.unit.JobID != u.JobID:
		w.unit = u
		w.hasNewWork.Store(true)
	default:
		w.unit = u
	}
}

// HashesPerSecond returns the last hashrate sample
func (w *Worker) HashesPerSecond() float64 {
	return math.Float64frombits(w.hps.Load())
}

func (w *Worker) snapshot() *work.Unit {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unit == nil {
		return nil
	}
	return w.unit.Clone()
}

func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stop:
	case <-t.C:
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	start, end := NonceRange(w.id, w.count)
	lastSample := time.Now()
	var counter uint64

	for w.running.Load() {
		u := w.snapshot()
		if u == nil {
			w.logger.Debug("waiting for work")
			w.sleep(idleWait)
			continue
		}
		if err := u.Generate(); err != nil {
			w.logger.WithError(err).Warn("cannot generate work")
			w.sleep(idleWait)
			continue
		}

		fresh := true
		for w.running.Load() && !w.hasNewWork.Load() && !w.needsRestart.Load() {
			if fresh {
				fresh = false
				u.SetNonce(start)
			} else if u.Nonce() >= end {
				u.IncrementExtranonce2()
				if err := u.Generate(); err != nil {
					w.logger.WithError(err).Warn("cannot regenerate work")
					break
				}
				u.SetNonce(start)
			} else {
				u.SetNonce(u.Nonce() + 1)
			}

			batch := int64(batchSeconds * w.HashesPerSecond())
			if batch <= 0 {
				batch = defaultBatch
			}
			maxNonce := end
			if uint64(u.Nonce())+uint64(batch) <= uint64(end) {
				maxNonce = u.Nonce() + uint32(batch)
			}

			res := w.scanner.Scan(w.pow, &u.Data, &u.Target, maxNonce, &w.needsRestart, &w.hasNewWork)
			if res.Found {
				w.submitter.SubmitWork(u.Clone())
			}

			counter += res.HashesDone
			if elapsed := time.Since(lastSample); elapsed >= time.Second {
				hps := float64(counter) / elapsed.Seconds()
				w.hps.Store(math.Float64bits(hps))
				counter = 0
				lastSample = time.Now()
				w.logger.LogHashrate(hps)
			}
		}

		w.logger.Info("switching to new work")
		w.hasNewWork.Store(false)
		w.needsRestart.Store(false)
	}
}
