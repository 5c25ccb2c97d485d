package device

import (
	"context"
	"sync"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// gpuDevices is the number of GPU backends started
const gpuDevices = 1

// GPUWorker accepts work but performs no hashing. No GPU kernel exists for
// whirlpool_xor yet.
type GPUWorker struct {
	id     int
	logger *log.Logger

	mu   sync.Mutex
	unit *work.Unit
}

// NewGPUWorker creates GPU backend id
func NewGPUWorker(id int, logger *log.Logger) *GPUWorker {
	return &GPUWorker{
		id:     id,
		logger: logger.WithDevice(string(config.DeviceGPU), id),
	}
}

func (g *GPUWorker) Start(_ context.Context) error {
	g.logger.Warn("gpu hashing is not implemented, device will stay idle")
	return nil
}

func (g *GPUWorker) Stop() {
	g.mu.Lock()
	g.unit = nil
	g.mu.Unlock()
}

func (g *GPUWorker) SetWork(u *work.Unit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unit = u
	if u != nil {
		g.logger.Debug("gpu work set", "job_id", u.JobID)
	}
}

func (g *GPUWorker) HashesPerSecond() float64 {
	return 0
}
