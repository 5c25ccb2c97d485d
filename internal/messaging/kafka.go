// Package messaging publishes the miner's job, share and stats events to
// Kafka and a ZMQ PUB socket without blocking the mining path.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Content types set in the content-type header of every Kafka message
const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf; messageType=google.protobuf.Struct"
)

// MessageWriter is the part of *kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOption configures a KafkaPublisher
type KafkaOption func(*KafkaPublisher)

// WithWriterFactory replaces the per-topic writer constructor
func WithWriterFactory(f func(topic string) MessageWriter) KafkaOption {
	return func(k *KafkaPublisher) {
		k.newWriter = f
	}
}

// WithRetryConfig replaces the retry configuration of every publish
func WithRetryConfig(cfg *retry.Config) KafkaOption {
	return func(k *KafkaPublisher) {
		k.retryConfig = cfg
	}
}

// KafkaPublisher writes events to one topic per event family. Share events
// are encoded as protobuf Structs, jobs and stats as JSON.
type KafkaPublisher struct {
	brokers   []string
	logger    *log.Logger
	newWriter func(topic string) MessageWriter

	writersMu sync.Mutex
	writers   map[string]MessageWriter

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaPublisher creates a publisher for brokers. Writers are created on
// first use.
func NewKafkaPublisher(brokers []string, logger *log.Logger, opts ...KafkaOption) *KafkaPublisher {
	logger = logger.WithComponent("kafka")
	k := &KafkaPublisher{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]MessageWriter),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retry.TelemetryConfig(),
	}
	k.newWriter = k.defaultWriter
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *KafkaPublisher) defaultWriter(topic string) MessageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// Name implements Publisher
func (k *KafkaPublisher) Name() string {
	return "kafka"
}

// writer gets or creates the writer for topic
func (k *KafkaPublisher) writer(topic string) MessageWriter {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := k.newWriter(topic)
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// Publish implements Publisher
func (k *KafkaPublisher) Publish(ctx context.Context, ev *Event) error {
	msg, err := EncodeKafkaMessage(ev)
	if err != nil {
		return err
	}

	// the writer owns the topic, kafka-go rejects messages that set it too
	topic := msg.Topic
	msg.Topic = ""

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			if err := k.writer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.KindTelemetry, "kafka_publish", "failed to publish message").
					With("topic", topic).
					With("event", string(ev.Type)).
					With("message_size", len(msg.Value))
			}
			k.logger.Debug("published message", "topic", topic, "event", string(ev.Type), "size", len(msg.Value))
			return nil
		})
	})
}

// EncodeKafkaMessage builds the Kafka record for ev. The topic is set on
// the record, the key is the worker name.
func EncodeKafkaMessage(ev *Event) (kafka.Message, error) {
	var (
		value       []byte
		contentType string
		err         error
	)

	switch ev.Type {
	case EventShareSubmitted, EventShareResult:
		value, err = encodeShareProto(ev)
		contentType = ContentTypeProto
	default:
		value, err = sonic.Marshal(ev)
		contentType = ContentTypeJSON
	}
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.KindTelemetry, "kafka_encode", "failed to encode event").
			With("event", string(ev.Type))
	}

	return kafka.Message{
		Topic: KafkaTopic(ev.Type),
		Key:   []byte(ev.Worker),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(contentType)},
			{Key: "event", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}, nil
}

func encodeShareProto(ev *Event) ([]byte, error) {
	if ev.Share == nil {
		return nil, errors.New(errors.KindInternal, "encode_share", "share event without payload")
	}
	s := ev.Share

	fields := map[string]any{
		"id":             ev.ID,
		"type":           string(ev.Type),
		"worker":         ev.Worker,
		"time":           ev.Time.UTC().Format(time.RFC3339Nano),
		"accepted":       s.Accepted,
		"accepted_total": s.AcceptedTotal,
		"rejected_total": s.RejectedTotal,
	}
	if ev.Type == EventShareSubmitted {
		fields["job_id"] = s.JobID
		fields["extranonce2"] = s.Extranonce2
		fields["ntime"] = s.NTime
		fields["nonce"] = s.Nonce
		fields["difficulty"] = s.Difficulty
	} else if s.Reason != "" {
		fields["reason"] = s.Reason
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// Close closes every writer
func (k *KafkaPublisher) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}
	k.writers = make(map[string]MessageWriter)
	return lastErr
}
