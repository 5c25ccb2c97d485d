package serial

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	BaudRate = 115200

	// DefaultHandshakeTimeout bounds the wait for the info reply
	DefaultHandshakeTimeout = 8 * time.Second

	writeQueueSize = 16
	readBufferSize = 256
)

// Model selects the board firmware protocol
type Model int

const (
	ModelMojoV3 Model = iota + 1
)

func (m Model) String() string {
	switch m {
	case ModelMojoV3:
		return "mojo_v3"
	default:
		return "unknown"
	}
}

// Signature is the info payload a board of this model answers with
func (m Model) Signature() string {
	switch m {
	case ModelMojoV3:
		return "MoV3"
	default:
		return ""
	}
}

// Open opens path at 115200 baud 8N1 with no flow control. Reads return
// after 100ms of line silence.
func Open(path string) (io.ReadWriteCloser, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              BaudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		RTSCTSFlowControl:     false,
		InterCharacterTimeout: 100,
		MinimumReadSize:       0,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "open_serial", "cannot open serial port").With("port", path)
	}
	return &idlePort{ReadWriteCloser: port}, nil
}

// idlePort turns the zero-byte reads of an idle line into (0, nil)
type idlePort struct {
	io.ReadWriteCloser
}

func (p *idlePort) Read(b []byte) (int, error) {
	n, err := p.ReadWriteCloser.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

// Device drives one hashing board
type Device struct {
	name             string
	port             io.ReadWriteCloser
	model            Model
	handshakeTimeout time.Duration
	logger           *log.Logger

	mu        sync.Mutex
	unit      *work.Unit
	handshake *time.Timer
	expired   bool

	confirmed atomic.Bool
	results   atomic.Uint64
	nacks     atomic.Uint64

	writes    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDevice wraps an open port. A zero handshake timeout uses the default.
func NewDevice(name string, port io.ReadWriteCloser, model Model, handshakeTimeout time.Duration, logger *log.Logger) *Device {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Device{
		name:             name,
		port:             port,
		model:            model,
		handshakeTimeout: handshakeTimeout,
		logger:           logger.WithComponent("serial").WithFields("port", name, "model", model.String()),
		writes:           make(chan []byte, writeQueueSize),
		done:             make(chan struct{}),
	}
}

// Name returns the port path
func (d *Device) Name() string {
	return d.name
}

// Start begins the read and write loops and sends the info request. The
// board must answer with its signature before the handshake timeout or
// the device is stopped.
func (d *Device) Start(_ context.Context) error {
	d.wg.Add(2)
	go d.readLoop()
	go d.writeLoop()

	d.mu.Lock()
	d.handshake = time.AfterFunc(d.handshakeTimeout, d.handshakeExpired)
	d.mu.Unlock()

	return d.send(Message{Type: TypeInfo})
}

// Stop closes the port and waits for both loops to exit. Safe to call more
// than once.
func (d *Device) Stop() {
	d.shutdown()
	d.wg.Wait()
}

// Done is closed once the device has stopped
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Confirmed reports whether the handshake succeeded
func (d *Device) Confirmed() bool {
	return d.confirmed.Load()
}

// Results returns the number of result frames received
func (d *Device) Results() uint64 {
	return d.results.Load()
}

// HashesPerSecond is always zero; boards do not report a rate
func (d *Device) HashesPerSecond() float64 {
	return 0
}

// SetWork sends a new_work frame for a new job and a restart frame for nil.
// A unit for the job already loaded replaces it without a frame.
func (d *Device) SetWork(u *work.Unit) {
	var msg Message

	d.mu.Lock()
	switch {
	case u == nil:
		d.unit = nil
		msg = d.restartMessage()
	case d.unit == nil || d.unit.JobID != u.JobID:
		d.unit = u.Clone()
		m, err := d.newWorkMessage(d.unit)
		if err != nil {
			d.mu.Unlock()
			d.logger.WithError(err).Warn("cannot prepare work")
			return
		}
		msg = m
	default:
		d.unit = u.Clone()
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.send(msg); err != nil {
		d.logger.WithError(err).Warn("cannot send work")
	}
}

// SendTestWork sends the self-test frame
func (d *Device) SendTestWork() error {
	return d.send(TestWork())
}

func (d *Device) newWorkMessage(u *work.Unit) (Message, error) {
	switch d.model {
	case ModelMojoV3:
		if err := u.Generate(); err != nil {
			return Message{}, err
		}
		u.SetNonce(u.Nonce() + 1)
		header := u.Header()
		return Message{Type: TypeNewWork, Value: header[:]}, nil
	default:
		return Message{}, errors.New(errors.KindInternal, "new_work", "unsupported device model").With("model", d.model.String())
	}
}

func (d *Device) restartMessage() Message {
	return Message{Type: TypeRestart}
}

func (d *Device) send(msg Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	select {
	case <-d.done:
		return errors.New(errors.KindConnection, "send_frame", "device stopped").With("port", d.name)
	default:
	}

	select {
	case d.writes <- frame:
		return nil
	case <-d.done:
		return errors.New(errors.KindConnection, "send_frame", "device stopped").With("port", d.name)
	default:
		return errors.New(errors.KindInternal, "send_frame", "write queue full").With("port", d.name).With("type", msg.Type.String())
	}
}

func (d *Device) handshakeExpired() {
	d.mu.Lock()
	if d.confirmed.Load() {
		d.mu.Unlock()
		return
	}
	d.expired = true
	d.mu.Unlock()

	err := errors.New(errors.KindDeviceTimeout, "handshake", "no info reply from device").
		With("port", d.name).With("timeout", d.handshakeTimeout.String())
	d.logger.WithError(err).Error("device handshake timed out")
	d.shutdown()
}

func (d *Device) shutdown() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.handshake != nil {
			d.handshake.Stop()
		}
		d.mu.Unlock()

		close(d.done)
		if err := d.port.Close(); err != nil {
			d.logger.WithError(err).Debug("close serial port")
		}
		d.logger.Info("device stopped")
	})
}

func (d *Device) readLoop() {
	defer d.wg.Done()

	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := d.port.Read(buf)
		if n > 0 {
			for _, msg := range dec.Feed(buf[:n]) {
				d.handle(msg)
			}
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				d.logger.WithError(err).Warn("serial read failed")
				d.shutdown()
			}
			return
		}
	}
}

func (d *Device) writeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case frame := <-d.writes:
			if _, err := d.port.Write(frame); err != nil {
				select {
				case <-d.done:
				default:
					d.logger.WithError(err).Warn("serial write failed")
					d.shutdown()
				}
				return
			}
		}
	}
}

func (d *Device) handle(msg Message) {
	switch msg.Type {
	case TypeInfo:
		d.handleInfo(msg)
	case TypeResult:
		d.results.Add(1)
		d.logger.Info("device result", "payload", hex.EncodeToString(msg.Value))
	case TypeNack:
		d.nacks.Add(1)
		d.logger.Warn("device rejected frame")
	case TypeError:
		d.logger.Warn("device reported error", "payload", hex.EncodeToString(msg.Value))
	case TypeAck, TypePing:
		d.logger.Debug("device frame", "type", msg.Type.String())
	default:
		d.logger.Debug("unexpected device frame", "type", msg.Type.String(), "length", len(msg.Value))
	}
}

func (d *Device) handleInfo(msg Message) {
	if d.confirmed.Load() {
		return
	}
	if string(msg.Value) != d.model.Signature() {
		d.logger.Error("device signature mismatch",
			"got", string(msg.Value),
			"want", d.model.Signature(),
		)
		d.shutdown()
		return
	}

	// confirmed and expired are decided under mu so a timer firing
	// concurrently cannot stop a device that just answered
	d.mu.Lock()
	if d.expired {
		d.mu.Unlock()
		return
	}
	d.confirmed.Store(true)
	if d.handshake != nil {
		d.handshake.Stop()
	}
	d.mu.Unlock()

	d.logger.Info("device confirmed")
}
