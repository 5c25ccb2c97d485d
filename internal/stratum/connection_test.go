package stratum

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

type shareResult struct {
	accepted bool
	reason   string
}

type fakeHandler struct {
	work   chan *work.Unit
	shares chan shareResult
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{work: make(chan *work.Unit, 16), shares: make(chan shareResult, 16)}
}

func (h *fakeHandler) HandleWork(u *work.Unit) { h.work <- u }

func (h *fakeHandler) HandleShareResult(accepted bool, reason string) {
	h.shares <- shareResult{accepted, reason}
}

// fakePool accepts one connection on a loopback listener
type fakePool struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	reader *bufio.Reader
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakePool{t: t, ln: ln}
}

func (p *fakePool) host() config.PoolHost {
	addr := p.ln.Addr().(*net.TCPAddr)
	return config.PoolHost{Username: "alice.rig1", Password: "x", Host: "127.0.0.1", Port: uint16(addr.Port)}
}

func (p *fakePool) accept() {
	p.t.Helper()
	conn, err := p.ln.Accept()
	if err != nil {
		p.t.Fatal(err)
	}
	p.t.Cleanup(func() { conn.Close() })
	p.conn = conn
	p.reader = bufio.NewReader(conn)
}

func (p *fakePool) readRequest() map[string]any {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.reader.ReadString('\n')
	if err != nil {
		p.t.Fatalf("pool read: %v", err)
	}
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		p.t.Fatalf("pool got invalid JSON %q: %v", line, err)
	}
	return req
}

func (p *fakePool) send(lines ...string) {
	p.t.Helper()
	for _, l := range lines {
		if _, err := p.conn.Write([]byte(l + "\n")); err != nil {
			p.t.Fatal(err)
		}
	}
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", c.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func receiveWork(t *testing.T, h *fakeHandler) *work.Unit {
	t.Helper()
	select {
	case u := <-h.work:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no work received")
		return nil
	}
}

const testNotify = `{"id":null,"method":"mining.notify","params":["j1","` +
	"0000000000000000000000000000000000000000000000000000000000000000" +
	`","01000000","ffffffff",[],"20000000","1d00ffff","5f5e1000",%s]}`

// handshake connects c to the pool and completes subscribe and authorize
func handshake(t *testing.T, pool *fakePool, c *Connection) {
	t.Helper()
	c.Start(t.Context())
	pool.accept()

	sub := pool.readRequest()
	if sub["method"] != MethodSubscribe || sub["id"] != float64(IDSubscribe) {
		t.Fatalf("first request = %v", sub)
	}
	if params, ok := sub["params"].([]any); !ok || len(params) != 0 {
		t.Errorf("subscribe params = %v, want []", sub["params"])
	}

	auth := pool.readRequest()
	if auth["method"] != MethodAuthorize || auth["id"] != float64(IDAuthorize) {
		t.Fatalf("second request = %v", auth)
	}
	if params := auth["params"].([]any); params[0] != "alice.rig1" || params[1] != "x" {
		t.Errorf("authorize params = %v", params)
	}

	pool.send(
		`{"id":1,"result":[[["mining.set_difficulty","sd1"],["mining.notify","n1"]],"deadbeef",4],"error":null}`,
		`{"id":2,"result":true,"error":null}`,
	)
	waitState(t, c, StateActive)
}

func TestConnection_HandshakeAndNotify(t *testing.T) {
	pool := newFakePool(t)
	h := newFakeHandler()
	c := NewConnection(pool.host(), h, DefaultOptions(), log.Nop())
	defer func() {
		c.Stop()
		c.Wait()
	}()

	handshake(t, pool, c)
	if c.SessionID() != "sd1" {
		t.Errorf("SessionID() = %q", c.SessionID())
	}

	pool.send(
		`not json`,
		`{"id":null,"method":"mining.set_difficulty","params":[0]}`,
		`{"id":null,"method":"mining.set_difficulty","params":[2]}`,
		`{"id":null,"method":"client.show_message","params":["hello"]}`,
		strings.Replace(testNotify, "%s", "true", 1),
	)

	if u := receiveWork(t, h); u != nil {
		t.Fatalf("clean_jobs must dispatch nil work first, got job %q", u.JobID)
	}
	u := receiveWork(t, h)
	if u == nil {
		t.Fatal("expected a unit after the restart")
	}
	if u.JobID != "j1" || u.WorkerName != "alice.rig1" {
		t.Errorf("unit = job %q worker %q", u.JobID, u.WorkerName)
	}
	if u.Difficulty != 2 {
		t.Errorf("Difficulty = %v, want 2", u.Difficulty)
	}
	if string(u.Extranonce1) != "\xde\xad\xbe\xef" || len(u.Extranonce2) != 4 {
		t.Errorf("extranonce1 = %x, extranonce2 size = %d", u.Extranonce1, len(u.Extranonce2))
	}
	if u.Target != work.TargetFromDifficulty(2) {
		t.Error("target must follow the difficulty in force when the job arrived")
	}

	pool.send(strings.Replace(testNotify, "%s", "false", 1))
	if u := receiveWork(t, h); u == nil {
		t.Error("a job without clean_jobs must not dispatch nil work")
	}

	if !c.Alive() {
		t.Error("malformed and unknown lines must not close the connection")
	}
}

func TestConnection_Submit(t *testing.T) {
	pool := newFakePool(t)
	h := newFakeHandler()
	c := NewConnection(pool.host(), h, DefaultOptions(), log.Nop())
	defer func() {
		c.Stop()
		c.Wait()
	}()

	handshake(t, pool, c)

	if err := c.Write(NewSubmitRequest("alice.rig1", "j1", "00000001", "5f5e1000", "78563412")); err != nil {
		t.Fatal(err)
	}
	req := pool.readRequest()
	if req["method"] != MethodSubmit || req["id"] != float64(IDSubmit) {
		t.Fatalf("submit request = %v", req)
	}

	pool.send(
		`{"id":4,"result":true,"error":null}`,
		`{"id":4,"result":null,"error":[23,"Low difficulty share",null]}`,
		`{"id":9,"result":true,"error":null}`,
	)

	want := []shareResult{{true, ""}, {false, "Low difficulty share (23)"}}
	for i, w := range want {
		select {
		case got := <-h.shares:
			if got != w {
				t.Errorf("share %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("share %d not reported", i)
		}
	}

	select {
	case got := <-h.shares:
		t.Errorf("unroutable reply reported as share %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_PoolCloses(t *testing.T) {
	pool := newFakePool(t)
	c := NewConnection(pool.host(), newFakeHandler(), DefaultOptions(), log.Nop())

	handshake(t, pool, c)
	pool.conn.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close after the pool hung up")
	}
	c.Wait()

	if c.State() != StateDisconnected || c.Alive() {
		t.Errorf("state = %v alive = %v", c.State(), c.Alive())
	}
	if err := c.Write(NewSubscribeRequest()); err == nil {
		t.Error("write to a closed connection must fail")
	}
}

func TestConnection_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	host := config.PoolHost{Username: "u", Password: "p", Host: "127.0.0.1", Port: uint16(port)}
	c := NewConnection(host, newFakeHandler(), DefaultOptions(), log.Nop())
	c.Start(t.Context())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("refused connection must close")
	}
	c.Wait()
	c.Stop()
}

func TestConnection_StopWhileIdle(t *testing.T) {
	pool := newFakePool(t)
	c := NewConnection(pool.host(), newFakeHandler(), DefaultOptions(), log.Nop())
	handshake(t, pool, c)

	c.Stop()
	c.Stop()
	c.Wait()
	if c.Alive() {
		t.Error("stopped connection reports alive")
	}
}

func TestState_String(t *testing.T) {
	if StateActive.String() != "active" || State(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
