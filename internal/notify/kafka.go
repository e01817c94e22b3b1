package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"civicflow/internal/config"
	"civicflow/internal/domain"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a topic, keyed by complaint id so one
// complaint's events stay ordered within a partition.
type KafkaSink struct {
	topic  string
	filter eventFilter
	writer messageWriter
}

func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka.brokers and kafka.topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	return &KafkaSink{topic: cfg.Topic, filter: newEventFilter(cfg.Events), writer: w}, nil
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *KafkaSink) Deliver(ctx context.Context, evt domain.OutboxEvent) error {
	if s == nil || s.writer == nil {
		return errors.New("kafka writer not initialized")
	}
	value, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	key := evt.ComplaintID
	if key == "" {
		key = strconv.FormatInt(evt.ID, 10)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "event-id", Value: []byte(strconv.FormatInt(evt.ID, 10))},
		},
	})
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
