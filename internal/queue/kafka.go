package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	envKafkaTLS = "AUTOWITHDRAW_QUEUE_KAFKA_TLS"

	defaultKafkaMinBytes     = 1
	defaultKafkaMaxBytes     = 10 << 20
	defaultKafkaBatchTimeout = 10 * time.Millisecond
	kafkaDialTimeout         = 10 * time.Second
)

// kafkaTLSConfig is non-nil when AUTOWITHDRAW_QUEUE_KAFKA_TLS is truthy.
func kafkaTLSConfig() *tls.Config {
	if envEnabled(envKafkaTLS) {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

// kafkaConsumer reads through a consumer group. Offsets are committed only by Message.Ack, so an
// unacked notification is redelivered after a restart.
type kafkaConsumer struct {
	*pipe
	reader *kafka.Reader
}

func newKafkaConsumer(ctx context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	rc, err := kafkaReaderConfig(cfg)
	if err != nil {
		return nil, err
	}
	c := &kafkaConsumer{pipe: newPipe(ctx), reader: kafka.NewReader(rc)}
	go c.fetch()
	return c, nil
}

func kafkaReaderConfig(cfg ConsumerConfig) (kafka.ReaderConfig, error) {
	rc := kafka.ReaderConfig{
		Brokers:     compact(cfg.Brokers),
		GroupID:     strings.TrimSpace(cfg.Group),
		GroupTopics: compact(cfg.Topics),
		MinBytes:    cfg.KafkaMinBytes,
		MaxBytes:    cfg.KafkaMaxBytes,
	}
	if rc.MinBytes <= 0 {
		rc.MinBytes = defaultKafkaMinBytes
	}
	if rc.MaxBytes <= 0 {
		rc.MaxBytes = defaultKafkaMaxBytes
	}

	var problem string
	switch {
	case len(rc.Brokers) == 0:
		problem = "kafka consumer needs a broker"
	case rc.GroupID == "":
		problem = "kafka consumer needs a group"
	case len(rc.GroupTopics) == 0:
		problem = "kafka consumer needs a topic"
	case rc.MaxBytes < rc.MinBytes:
		problem = "kafka max bytes below min bytes"
	}
	if problem != "" {
		return kafka.ReaderConfig{}, fmt.Errorf("%w: %s", ErrInvalidConfig, problem)
	}

	if tc := kafkaTLSConfig(); tc != nil {
		rc.Dialer = &kafka.Dialer{Timeout: kafkaDialTimeout, DualStack: true, TLS: tc}
	}
	return rc, nil
}

// stopOnFetchError reports whether a fetch error ends the consumer rather than being surfaced.
func stopOnFetchError(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (c *kafkaConsumer) fetch() {
	defer c.finish()

	for {
		km, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if stopOnFetchError(err) || !c.report(err) {
				return
			}
			continue
		}
		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			commit: func(ctx context.Context) error {
				return c.reader.CommitMessages(ctx, km)
			},
		}
		if !c.deliver(msg) {
			return
		}
	}
}

func (c *kafkaConsumer) Close() error {
	return c.stop(c.reader.Close)
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer needs a broker", ErrInvalidConfig)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if w.BatchTimeout <= 0 {
		w.BatchTimeout = defaultKafkaBatchTimeout
	}
	if tc := kafkaTLSConfig(); tc != nil {
		w.Transport = &kafka.Transport{TLS: tc}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic = strings.TrimSpace(topic); topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("queue: kafka publish %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
