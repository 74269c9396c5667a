// Package queue moves payment-received notifications into the engine and progress events out of
// it over kafka, NATS, or line-delimited stdio.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverNATS  = "nats"
	DriverStdio = "stdio"
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one delivered record.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker timestamp when the driver has one, otherwise local receive time.
	Timestamp time.Time

	commit func(context.Context) error
}

// Ack commits the message where the driver tracks offsets. Otherwise a no-op.
func (m Message) Ack(ctx context.Context) error {
	if m.commit == nil {
		return nil
	}
	return m.commit(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Brokers are kafka bootstrap addresses or NATS server URLs.
	Brokers []string
	// Group is the kafka consumer group or NATS queue group.
	Group  string
	Topics []string

	KafkaMinBytes int
	KafkaMaxBytes int

	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	var (
		c   Consumer
		err error
	)
	switch driverOf(cfg.Driver) {
	case DriverKafka:
		c, err = newKafkaConsumer(ctx, cfg)
	case DriverNATS:
		c, err = newNATSConsumer(ctx, cfg)
	case DriverStdio:
		c = newStdioConsumer(ctx, cfg)
	default:
		err = fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	var (
		p   Producer
		err error
	)
	switch driverOf(cfg.Driver) {
	case DriverKafka:
		p, err = newKafkaProducer(cfg)
	case DriverNATS:
		p, err = newNATSProducer(cfg)
	case DriverStdio:
		p = newStdioProducer(cfg)
	default:
		err = fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	if err != nil {
		// A typed nil must not leak out as a non-nil interface.
		return nil, err
	}
	return p, nil
}

// SplitCommaList splits a flag value such as "a, b,,c" into its non-empty trimmed parts.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return compact(strings.Split(s, ","))
}

func driverOf(v string) string {
	if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
		return v
	}
	return DriverKafka
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envEnabled(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// pipe is the channel side of a consumer. A driver goroutine feeds it through deliver and report
// until the pipe's context ends, then calls finish.
type pipe struct {
	msgs chan Message
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newPipe(parent context.Context) *pipe {
	ctx, cancel := context.WithCancel(parent)
	return &pipe{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *pipe) Messages() <-chan Message { return p.msgs }
func (p *pipe) Errors() <-chan error     { return p.errs }

// deliver blocks until msg is taken or the pipe stops; false means stop.
func (p *pipe) deliver(msg Message) bool {
	select {
	case p.msgs <- msg:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *pipe) report(err error) bool {
	select {
	case p.errs <- err:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// finish closes both channels. Only the feeding goroutine calls it, and only once.
func (p *pipe) finish() {
	close(p.msgs)
	close(p.errs)
	close(p.done)
}

// stop cancels the feeder, runs release, and waits for the feeder to exit.
func (p *pipe) stop(release func() error) error {
	var err error
	p.once.Do(func() {
		p.cancel()
		if release != nil {
			err = release()
		}
		<-p.done
	})
	return err
}
