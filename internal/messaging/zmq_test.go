package messaging

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/log"
)

func TestZMQPublisher_Publish(t *testing.T) {
	const endpoint = "inproc://miner-events-test"

	pub, err := NewZMQPublisher(endpoint, log.Nop())
	if err != nil {
		t.Fatalf("NewZMQPublisher() error = %v", err)
	}
	defer func() { _ = pub.Close() }()

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Close() }()
	if err := sub.SetLinger(0); err != nil {
		t.Fatal(err)
	}
	if err := sub.SetRcvtimeo(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := sub.SetSubscribe(ZMQTopicStats); err != nil {
		t.Fatal(err)
	}
	if err := sub.Connect(endpoint); err != nil {
		t.Fatal(err)
	}

	ev := NewStatsEvent("alice.rig1", stats.Snapshot{HashesPerSecond: 42})

	// a subscription takes effect asynchronously, publish until one arrives
	var parts [][]byte
	for range 100 {
		if err := pub.Publish(t.Context(), NewJobEvent(testUnit(t))); err != nil {
			t.Fatal(err)
		}
		if err := pub.Publish(t.Context(), ev); err != nil {
			t.Fatal(err)
		}
		parts, err = sub.RecvMessageBytes(0)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("no message received: %v", err)
	}

	if len(parts) != 2 || string(parts[0]) != ZMQTopicStats {
		t.Fatalf("parts = %q", parts)
	}
	var got Event
	if err := sonic.Unmarshal(parts[1], &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != EventStats || got.Stats == nil || got.Stats.HashesPerSecond != 42 {
		t.Errorf("event = %+v", got)
	}
}

func TestNewZMQPublisher_BadEndpoint(t *testing.T) {
	if _, err := NewZMQPublisher("bogus://nowhere", log.Nop()); err == nil {
		t.Error("expected error for an unsupported transport")
	}
}
