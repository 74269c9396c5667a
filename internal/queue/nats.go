package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsMaxReconnects = 100
	natsReconnectWait = 3 * time.Second
	natsPendingMsgs   = 256
)

func dialNATS(brokers []string) (*nats.Conn, error) {
	servers := compact(brokers)
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: nats needs a server url", ErrInvalidConfig)
	}
	nc, err := nats.Connect(strings.Join(servers, ","),
		nats.Name("autowithdraw"),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: nats connect: %w", err)
	}
	return nc, nil
}

// natsConsumer subscribes to each topic as a subject. Core NATS delivers at most once, so
// messages carry no commit and Ack does nothing.
type natsConsumer struct {
	*pipe
	nc    *nats.Conn
	inbox chan *nats.Msg
}

func newNATSConsumer(ctx context.Context, cfg ConsumerConfig) (*natsConsumer, error) {
	subjects := compact(cfg.Topics)
	if len(subjects) == 0 {
		return nil, fmt.Errorf("%w: nats consumer needs a subject", ErrInvalidConfig)
	}
	nc, err := dialNATS(cfg.Brokers)
	if err != nil {
		return nil, err
	}

	c := &natsConsumer{pipe: newPipe(ctx), nc: nc, inbox: make(chan *nats.Msg, natsPendingMsgs)}
	// Async errors such as slow-consumer drops are best effort.
	nc.SetErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		select {
		case c.errs <- err:
		default:
		}
	})

	group := strings.TrimSpace(cfg.Group)
	for _, subject := range subjects {
		if group != "" {
			_, err = nc.ChanQueueSubscribe(subject, group, c.inbox)
		} else {
			_, err = nc.ChanSubscribe(subject, c.inbox)
		}
		if err != nil {
			c.cancel()
			nc.Close()
			return nil, fmt.Errorf("queue: nats subscribe %s: %w", subject, err)
		}
	}

	go c.forward()
	return c, nil
}

func (c *natsConsumer) forward() {
	// errs stays open until the connection is closed in Close, since the error handler may
	// still write to it.
	defer close(c.done)
	defer close(c.msgs)

	for {
		select {
		case <-c.ctx.Done():
			return
		case nm := <-c.inbox:
			if !c.deliver(Message{Topic: nm.Subject, Value: append([]byte(nil), nm.Data...), Timestamp: time.Now().UTC()}) {
				return
			}
		}
	}
}

func (c *natsConsumer) Close() error {
	return c.stop(func() error {
		// Close drops every subscription with the connection.
		c.nc.Close()
		return nil
	})
}

type natsProducer struct {
	nc *nats.Conn
}

func newNATSProducer(cfg ProducerConfig) (*natsProducer, error) {
	nc, err := dialNATS(cfg.Brokers)
	if err != nil {
		return nil, err
	}
	return &natsProducer{nc: nc}, nil
}

func (p *natsProducer) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject = strings.TrimSpace(subject); subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidConfig)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("queue: nats publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending publishes before disconnecting.
func (p *natsProducer) Close() error { return p.nc.Drain() }
