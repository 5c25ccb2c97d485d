package device

import (
	"errors"
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

func testConfig(kind config.DeviceType) *config.Config {
	return &config.Config{
		DeviceType:       kind,
		DeviceCores:      2,
		Algorithm:        config.PowWhirlpoolXor,
		HandshakeTimeout: time.Second,
	}
}

func TestCoreCount(t *testing.T) {
	if got := CoreCount(3); got != 3 {
		t.Errorf("CoreCount(3) = %d", got)
	}
	want := max(1, runtime.NumCPU()-1)
	if got := CoreCount(0); got != want {
		t.Errorf("CoreCount(0) = %d, want %d", got, want)
	}
}

func TestManager_CPU(t *testing.T) {
	scanner := &fakeScanner{}
	m := NewManager(testConfig(config.DeviceCPU), scanner, log.Nop())
	if err := m.Start(t.Context(), &fakeSubmitter{}); err != nil {
		t.Fatal(err)
	}

	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}

	m.SetWork(testUnit(t, "job1", "5f5e1000"))
	waitFor(t, func() bool {
		starts := map[uint32]bool{}
		for _, c := range scanner.snapshot() {
			starts[c.data[work.NonceIndex]] = true
		}
		s0, _ := NonceRange(0, 2)
		s1, _ := NonceRange(1, 2)
		return starts[s0] && starts[s1]
	})

	m.Stop()
	if m.Count() != 0 || m.HashesPerSecond() != 0 {
		t.Error("stopped manager must have no backends")
	}
	m.Stop()
}

func TestManager_GPU(t *testing.T) {
	m := NewManager(testConfig(config.DeviceGPU), &fakeScanner{}, log.Nop())
	if err := m.Start(t.Context(), &fakeSubmitter{}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if m.Count() != gpuDevices {
		t.Errorf("Count() = %d, want %d", m.Count(), gpuDevices)
	}
	m.SetWork(testUnit(t, "job1", "5f5e1000"))
	m.SetWork(nil)
	if m.HashesPerSecond() != 0 {
		t.Error("gpu backends report no hashrate")
	}
}

func TestManager_Serial(t *testing.T) {
	cfg := testConfig(config.DeviceSerial)
	cfg.SerialPorts = []string{"/dev/ttyUSB0", "/dev/missing"}

	var boards []net.Conn
	open := func(path string) (io.ReadWriteCloser, error) {
		if path == "/dev/missing" {
			return nil, errors.New("no such device")
		}
		host, board := net.Pipe()
		boards = append(boards, board)
		return host, nil
	}

	m := NewManager(cfg, &fakeScanner{}, log.Nop(), WithPortOpener(open))
	if err := m.Start(t.Context(), &fakeSubmitter{}); err != nil {
		t.Fatal(err)
	}
	defer func() {
		m.Stop()
		for _, b := range boards {
			b.Close()
		}
	}()

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 opened port", m.Count())
	}

	boards[0].SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := make([]byte, 2)
	if _, err := io.ReadFull(boards[0], frame); err != nil {
		t.Fatal(err)
	}
	if frame[0] != 18 || frame[1] != 0 {
		t.Errorf("first frame = %v, want info request", frame)
	}
}

func TestManager_UnknownType(t *testing.T) {
	m := NewManager(testConfig("fpga"), &fakeScanner{}, log.Nop())
	if err := m.Start(t.Context(), &fakeSubmitter{}); err == nil {
		t.Error("expected error for an unknown device type")
	}
}
