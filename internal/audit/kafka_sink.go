package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaSink publishes audit events as JSON to a topic. Publishing failures are
// logged and never fail the authentication flow.
type KafkaSink struct {
	recorder
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewKafkaSink(producer sarama.SyncProducer, topic string, logSensitiveData bool, logger *logrus.Logger) *KafkaSink {
	s := &KafkaSink{producer: producer, topic: topic, logger: logger}
	s.recorder = recorder{sensitive: logSensitiveData, now: time.Now, emit: s.publish}
	return s
}

// NewKafkaProducer builds a SyncProducer tuned for audit durability.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func (s *KafkaSink) publish(_ context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal audit event")
		return
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.Type),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		s.logger.WithError(err).WithField("event_type", ev.Type).Error("Failed to publish audit event")
	}
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
