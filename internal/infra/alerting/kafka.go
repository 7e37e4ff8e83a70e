package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerter publishes alerts as JSON, keyed by account so one account's
// alerts stay ordered within a partition.
type KafkaAlerter struct {
	writer messageWriter
}

func NewKafkaAlerter(brokers []string, topic string) *KafkaAlerter {
	return &KafkaAlerter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			WriteTimeout:           5 * time.Second,
		},
	}
}

func (k *KafkaAlerter) Alert(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	key := string(a.Kind)
	if a.AccountID != nil {
		key = strconv.FormatUint(*a.AccountID, 10)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(a.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	return nil
}

func (k *KafkaAlerter) Close() error {
	return k.writer.Close()
}
