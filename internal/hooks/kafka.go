package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic receives lifecycle events when no topic is configured.
const DefaultKafkaTopic = "agentcore.subagent.lifecycle"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaHook publishes lifecycle events as JSON, keyed by run id so every
// event of one run lands on the same partition.
type KafkaHook struct {
	w     messageWriter
	topic string
}

// NewKafkaHook creates a synchronous producer for brokers, a comma
// separated host:port list.
func NewKafkaHook(brokers, topic string) (*KafkaHook, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, errors.New("kafka hook: brokers are required")
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return &KafkaHook{w: w, topic: topic}, nil
}

func (k *KafkaHook) Name() string { return "kafka:" + k.topic }

func (k *KafkaHook) Handle(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka hook: encode event: %w", err)
	}
	key := ev.RunID
	if key == "" {
		key = ev.ConversationID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Kind)},
			{Key: "conversation_id", Value: []byte(ev.ConversationID)},
		},
		Time: ev.At,
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka hook: write: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaHook) Close() error {
	return k.w.Close()
}
