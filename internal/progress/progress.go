// Package progress publishes the lifecycle of a withdrawal attempt to interested observers.
package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Sink receives progress notifications from the engine. Implementations must not block.
type Sink interface {
	Started(endpointID string, amount int64, destination string)
	Progress(step, detail string)
	Completed(endpointID string, amount, fee int64)
	Failed(endpointID, message string)
}

type Kind string

const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

type Event struct {
	Kind        Kind      `json:"kind"`
	EndpointID  string    `json:"endpointId,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Fee         int64     `json:"fee,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Step        string    `json:"step,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

const DefaultBuffer = 32

// Hub is a Sink that fans events out to subscribers over buffered channels. A subscriber that
// falls behind loses events rather than stalling the publisher.
type Hub struct {
	now func() time.Time
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewHub(now func() time.Time, log *slog.Logger) *Hub {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Hub{now: now, log: log, subs: make(map[int]chan Event)}
}

// Subscribe registers a new observer. The returned cancel func unregisters it and closes the
// channel; calling it twice is safe.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Close unregisters every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.subs {
		delete(h.subs, id)
		close(c)
	}
}

func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.subs {
		select {
		case c <- e:
		default:
			h.log.Warn("progress subscriber is full; dropping event", "subscriber", id, "kind", e.Kind)
		}
	}
}

func (h *Hub) Started(endpointID string, amount int64, destination string) {
	h.Publish(Event{Kind: KindStarted, EndpointID: endpointID, Amount: amount, Destination: destination})
}

func (h *Hub) Progress(step, detail string) {
	h.Publish(Event{Kind: KindProgress, Step: step, Detail: detail})
}

func (h *Hub) Completed(endpointID string, amount, fee int64) {
	h.Publish(Event{Kind: KindCompleted, EndpointID: endpointID, Amount: amount, Fee: fee})
}

func (h *Hub) Failed(endpointID, message string) {
	h.Publish(Event{Kind: KindFailed, EndpointID: endpointID, Message: message})
}

// Handler consumes events delivered to a subscription.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// Attach subscribes h to the hub and runs it until ctx is done or the hub is closed. The returned
// channel is closed once the handler goroutine exits.
func (h *Hub) Attach(ctx context.Context, name string, handler Handler, buffer int) <-chan struct{} {
	events, cancel := h.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := handler.Handle(ctx, e); err != nil {
					h.log.Error("progress handler", "handler", name, "kind", e.Kind, "err", err)
				}
			}
		}
	}()
	return done
}
