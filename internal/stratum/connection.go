package stratum

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// State is the lifecycle position of a Connection
type State int32

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateAuthorizing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthorizing:
		return "authorizing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Handler receives jobs and share verdicts from a Connection. Calls come
// from the connection's read goroutine.
type Handler interface {
	HandleWork(u *work.Unit)
	HandleShareResult(accepted bool, reason string)
}

// Options tune a Connection
type Options struct {
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int

	// ChainParams enables coinbase inspection of each job; nil skips it
	ChainParams *chaincfg.Params
}

// DefaultOptions returns the standard timeouts
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    8 * time.Second,
		WriteTimeout:      10 * time.Second,
		OutboundQueueSize: 64,
	}
}

// Connection is one session with a pool. It does not reconnect; once closed
// it stays closed.
type Connection struct {
	host    config.PoolHost
	handler Handler
	opts    Options
	logger  *log.Logger

	state atomic.Int32

	mu              sync.Mutex
	conn            net.Conn
	timer           *time.Timer
	cancel          context.CancelFunc
	sessionID       string
	extranonce1     []byte
	extranonce2Size int
	nextDifficulty  float64

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates an unstarted connection to host
func NewConnection(host config.PoolHost, handler Handler, opts Options, logger *log.Logger) *Connection {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = def.OutboundQueueSize
	}

	return &Connection{
		host:           host,
		handler:        handler,
		opts:           opts,
		logger:         logger.WithComponent("stratum").WithFields("pool", host.Address(), "user", host.Username),
		nextDifficulty: 1.0,
		outbound:       make(chan []byte, opts.OutboundQueueSize),
		done:           make(chan struct{}),
	}
}

// Start resolves and connects in the background. Resolution and connection
// together must finish within the connect timeout or the connection closes.
func (c *Connection) Start(ctx context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.timer = time.AfterFunc(c.opts.ConnectTimeout, func() {
		if State(c.state.Load()) < StateConnected {
			c.logger.Info("stratum connection timed out")
			c.close()
		}
	})
	c.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, c.close)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connect(dialCtx)
		<-c.done
		stopWatch()
	}()
}

// Stop closes the connection. It does not wait for the goroutines; use Wait.
func (c *Connection) Stop() {
	c.close()
}

// Wait blocks until every goroutine of the connection has exited
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the connection has not closed yet
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Host returns the pool this connection targets
func (c *Connection) Host() config.PoolHost {
	return c.host
}

// SessionID returns the subscription id assigned by the pool
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Write queues req. Lines are written in order, one at a time.
func (c *Connection) Write(req *Request) error {
	data, err := MarshalRequest(req)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errors.New(errors.KindConnection, "write", "connection closed").With("pool", c.host.Address())
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return errors.New(errors.KindConnection, "write", "connection closed").With("pool", c.host.Address())
	default:
		return errors.New(errors.KindConnection, "write", "outbound queue full").With("pool", c.host.Address())
	}
}

func (c *Connection) connect(ctx context.Context) {
	if !c.Alive() {
		return
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateResolving)) {
		return
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, c.host.Host)
	if err == nil && len(addrs) == 0 {
		err = errors.New(errors.KindConnection, "resolve", "no addresses").With("host", c.host.Host)
	}
	if err != nil {
		c.logger.WithError(errors.Wrap(err, errors.KindConnection, "resolve", "resolve failed")).Error("stratum resolve failed")
		c.close()
		return
	}

	if !c.state.CompareAndSwap(int32(StateResolving), int32(StateConnecting)) {
		return
	}
	port := strconv.Itoa(int(c.host.Port))

	var conn net.Conn
	var dialer net.Dialer
	for _, addr := range addrs {
		target := net.JoinHostPort(addr, port)
		c.logger.Debug("stratum connection is connecting", "address", target)
		conn, err = dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if conn == nil {
		c.logger.WithError(errors.Wrap(err, errors.KindConnection, "connect", "connect failed")).Error("stratum connection failed")
		c.close()
		return
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
	c.logger.LogConnection("connected", conn.RemoteAddr().String())

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	subscribe, _ := MarshalRequest(NewSubscribeRequest())
	authorize, _ := MarshalRequest(NewAuthorizeRequest(c.host.Username, c.host.Password))
	c.state.CompareAndSwap(int32(StateConnected), int32(StateAuthorizing))
	if err := c.enqueue(subscribe); err != nil {
		c.logger.WithError(err).Error("cannot queue subscribe")
		return
	}
	if err := c.enqueue(authorize); err != nil {
		c.logger.WithError(err).Error("cannot queue authorize")
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))

		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.WithError(err).Debug("close connection")
			}
			c.logger.LogConnection("disconnected", conn.RemoteAddr().String())
		}
	})
}

// readLoop handles incoming lines from the pool
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.close()

	buf := acquireLine()
	defer releaseLine(buf)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(*buf, maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.logger.LogStratumMessage("received", string(line))
		c.handleLine(line)
	}

	if c.Alive() {
		if err := scanner.Err(); err != nil {
			c.logger.WithError(err).Error("stratum connection read failed")
		} else {
			c.logger.Info("pool closed the connection")
		}
	}
}

// writeLoop drains the outbound queue
func (c *Connection) writeLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.WithError(err).Error("failed to set write deadline")
				c.close()
				return
			}
			if _, err := conn.Write(data); err != nil {
				if c.Alive() {
					c.logger.WithError(err).Error("stratum connection write failed")
				}
				c.close()
				return
			}
			c.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

func (c *Connection) handleLine(line []byte) {
	msg, err := ParseMessage(line)
	if err != nil {
		c.logger.WithError(err).Warn("discarding malformed line")
		return
	}
	defer ReleaseMessage(msg)

	if msg.IsNotification() {
		switch msg.Method {
		case MethodNotify:
			c.handleNotify(msg.Params)
		case MethodSetDifficulty:
			c.handleSetDifficulty(msg.Params)
		default:
			c.logger.Debug("ignoring notification", "method", msg.Method)
		}
		return
	}

	switch id := msg.IDString(); id {
	case strconv.Itoa(IDSubscribe):
		c.handleSubscribe(msg)
	case strconv.Itoa(IDAuthorize):
		c.handleAuthorize(msg)
	case strconv.Itoa(IDSubmit):
		accepted, reason := ParseSubmitResult(msg.Result, msg.Error)
		if !accepted {
			err := errors.New(errors.KindSubmitRejected, "submit", reason)
			c.logger.WithError(err).Debug("mining.submit rejected")
		}
		c.handler.HandleShareResult(accepted, reason)
	default:
		err := errors.New(errors.KindProtocolParse, "route_reply", "reply with unknown id").With("id", id)
		c.logger.WithError(err).Warn("discarding unroutable reply")
	}
}

func (c *Connection) handleSubscribe(msg *Message) {
	if msg.Error != nil {
		c.logger.Error("mining.subscribe failed", "reason", ErrorReason(msg.Error))
		return
	}
	res, err := ParseSubscribeResult(msg.Result)
	if err != nil {
		c.logger.WithError(err).Warn("discarding subscribe reply")
		return
	}

	c.mu.Lock()
	c.sessionID = res.SessionID
	c.extranonce1 = res.Extranonce1
	c.extranonce2Size = res.Extranonce2Size
	c.mu.Unlock()

	c.logger.Info("subscribed",
		"session_id", res.SessionID,
		"extranonce2_size", res.Extranonce2Size,
	)
}

func (c *Connection) handleAuthorize(msg *Message) {
	if ok, _ := msg.Result.(bool); ok && msg.Error == nil {
		c.state.CompareAndSwap(int32(StateAuthorizing), int32(StateActive))
		c.logger.Info("stratum connection authorization success")
		return
	}
	c.logger.Error("stratum connection authorization failure", "reason", ErrorReason(msg.Error))
}

func (c *Connection) handleSetDifficulty(params []any) {
	d, err := ParseSetDifficulty(params)
	if err != nil {
		c.logger.WithError(err).Warn("discarding mining.set_difficulty")
		return
	}
	if d <= 0 {
		return
	}

	c.mu.Lock()
	c.nextDifficulty = d
	c.mu.Unlock()
	c.logger.Info("next difficulty set", "difficulty", d)
}

func (c *Connection) handleNotify(params []any) {
	n, err := ParseNotify(params)
	if err != nil {
		c.logger.WithError(err).Warn("discarding mining.notify")
		return
	}

	c.mu.Lock()
	p := work.Params{
		WorkerName:      c.host.Username,
		JobID:           n.JobID,
		PrevHash:        n.PrevHash,
		Coinb1:          n.Coinb1,
		Coinb2:          n.Coinb2,
		MerkleBranch:    n.MerkleBranch,
		Version:         n.Version,
		Bits:            n.NBits,
		Time:            n.NTime,
		Extranonce1:     c.extranonce1,
		Extranonce2Size: c.extranonce2Size,
		Difficulty:      c.nextDifficulty,
	}
	c.mu.Unlock()

	if n.CleanJobs {
		c.logger.Info("stratum connection got work restart")
		c.handler.HandleWork(nil)
	}

	u, err := work.NewUnit(p)
	if err != nil {
		c.logger.WithError(err).Warn("discarding mining.notify")
		return
	}

	logger := c.logger
	if c.opts.ChainParams != nil {
		info, err := work.InspectCoinbase(u, c.opts.ChainParams)
		if err != nil {
			c.logger.WithError(err).Debug("coinbase inspection failed")
		} else {
			u.Height = info.Height
			logger = logger.WithFields("coinbase_value", info.Value.String(), "payout", info.Addresses)
		}
	}

	logger.WithJob(u.JobID, u.Height).Info("new job",
		"clean_jobs", n.CleanJobs,
		"difficulty", u.Difficulty,
		"merkle_branches", len(u.MerkleBranch),
	)
	c.handler.HandleWork(u)
}
