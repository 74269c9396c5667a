package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer turns each input line into one message. Lines have no topic or key.
type stdioConsumer struct {
	*pipe
}

func newStdioConsumer(ctx context.Context, cfg ConsumerConfig) *stdioConsumer {
	src := cfg.Reader
	if src == nil {
		src = os.Stdin
	}
	limit := cfg.MaxLineBytes
	if limit <= 0 {
		limit = defaultMaxLineBytes
	}

	c := &stdioConsumer{pipe: newPipe(ctx)}
	go c.scan(src, limit)
	return c
}

func (c *stdioConsumer) scan(src io.Reader, limit int) {
	defer c.finish()

	lines := bufio.NewScanner(src)
	lines.Buffer(make([]byte, 0, 4096), limit)
	for lines.Scan() {
		if !c.deliver(Message{Value: append([]byte(nil), lines.Bytes()...), Timestamp: time.Now().UTC()}) {
			return
		}
	}
	if err := lines.Err(); err != nil {
		c.report(err)
	}
}

// Close stops delivery. A reader blocked in Read is not interrupted; its goroutine exits on the
// next line or EOF.
func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// stdioProducer writes one payload per line and ignores the topic.
type stdioProducer struct {
	mu  sync.Mutex
	out io.Writer
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	return &stdioProducer{out: out}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, payload []byte) error {
	buf := make([]byte, len(payload)+1)
	copy(buf, payload)
	buf[len(payload)] = '\n'

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.out.Write(buf)
	return err
}

func (p *stdioProducer) Close() error { return nil }
