package messaging

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/log"
)

// ZMQPublisher sends every event as a two-frame message [topic, json] on a
// bound PUB socket. The socket is not safe for concurrent use; the Bus is
// its only caller.
type ZMQPublisher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQPublisher creates a PUB socket bound to endpoint, e.g. tcp://*:28400
func NewZMQPublisher(endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("bound ZMQ publisher", "endpoint", endpoint)

	return &ZMQPublisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Name implements Publisher
func (z *ZMQPublisher) Name() string {
	return "zmq"
}

// Publish implements Publisher. A PUB socket never blocks, messages without
// subscribers are discarded by ZMQ.
func (z *ZMQPublisher) Publish(_ context.Context, ev *Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}

	topic := ZMQTopic(ev.Type)
	if _, err := z.socket.SendMessage(topic, data); err != nil {
		return fmt.Errorf("failed to send ZMQ message on %s: %w", topic, err)
	}
	z.logger.Debug("published ZMQ message", "topic", topic, "size", len(data))
	return nil
}

// Close closes the ZMQ socket
func (z *ZMQPublisher) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}
