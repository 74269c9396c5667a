package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/juno-intents/autowithdraw/internal/queue"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &LogSink{log: log}
}

func (s *LogSink) Handle(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindStarted:
		s.log.InfoContext(ctx, "withdrawal started", "endpoint", e.EndpointID, "amount", e.Amount, "destination", e.Destination)
	case KindProgress:
		s.log.InfoContext(ctx, "withdrawal progress", "step", e.Step, "detail", e.Detail)
	case KindCompleted:
		s.log.InfoContext(ctx, "withdrawal completed", "endpoint", e.EndpointID, "amount", e.Amount, "fee", e.Fee)
	case KindFailed:
		s.log.WarnContext(ctx, "withdrawal failed", "endpoint", e.EndpointID, "message", e.Message)
	default:
		s.log.DebugContext(ctx, "unknown progress event", "kind", e.Kind)
	}
	return nil
}

const (
	EventVersionV1 = "autowithdraw.progress.v1"
	DefaultTopic   = EventVersionV1
)

var ErrInvalidConfig = errors.New("progress: invalid config")

// QueueSink republishes events as versioned JSON messages.
type QueueSink struct {
	producer queue.Producer
	topic    string
}

func NewQueueSink(producer queue.Producer, topic string) (*QueueSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &QueueSink{producer: producer, topic: topic}, nil
}

type queueEventV1 struct {
	Version string `json:"version"`
	Event
}

func (s *QueueSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(queueEventV1{Version: EventVersionV1, Event: e})
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}
	if err := s.producer.Publish(ctx, s.topic, payload); err != nil {
		return fmt.Errorf("progress: publish event: %w", err)
	}
	return nil
}
