// Package bus provides the in-process message bus the workflow engine
// publishes to and consumes from. Topics carry ordered, typed messages and
// support both fanout and work-queue subscriptions.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names a message stream.
type Topic string

const (
	// TopicWorkflowCommand carries workflow create/task/cancel commands.
	TopicWorkflowCommand Topic = "cmd.workflow"
	// TopicAdapterEvent carries inbound chat-platform adapter events.
	TopicAdapterEvent Topic = "evt.adapter"
	// TopicWorkflowEvent carries workflow and task lifecycle events.
	TopicWorkflowEvent Topic = "evt.workflow"
	// TopicRequestCommand carries LLM request messages (resume / scheduled jobs).
	TopicRequestCommand Topic = "cmd.request"
)

// Mode selects how a subscription shares a topic with others.
type Mode string

const (
	// ModeFanout delivers every message to every fanout subscriber.
	ModeFanout Mode = "fanout"
	// ModeWork delivers each message to exactly one work subscriber.
	ModeWork Mode = "work"
)

// Offset selects where a subscription starts reading.
type Offset string

const (
	// OffsetBegin replays the topic's retained history before new messages.
	OffsetBegin Offset = "begin"
	// OffsetNow starts at the tail of the topic.
	OffsetNow Offset = "now"
)

// Headers carry request correlation across publishes.
type Headers struct {
	RequestID     string `json:"request_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	RequestClient string `json:"request_client,omitempty"`
}

// Message is one bus message.
type Message struct {
	ID      string         `json:"id"`
	Topic   Topic          `json:"topic"`
	Type    MessageType    `json:"type"`
	Headers Headers        `json:"headers"`
	Ts      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// Handler receives messages for a subscription. A non-nil error from a work
// subscription triggers redelivery (bounded); fanout errors are logged only.
type Handler func(Message) error

// workMaxAttempts bounds redelivery for a failing work handler so a poisoned
// message cannot stall the queue forever.
const workMaxAttempts = 3

type fanoutSub struct {
	ch      chan Message
	done    chan struct{}
	handler Handler
}

type topicState struct {
	ring    *ringBuffer
	fanouts map[int]*fanoutSub
	work    chan Message
	started bool
}

// Bus is an in-process topic bus. Each subscription runs its own delivery
// goroutine so messages arrive in publish order per subscriber.
type Bus struct {
	mu         sync.Mutex
	topics     map[Topic]*topicState
	bufferSize int
	nextID     int
	closed     bool
}

// New creates a bus whose topic queues and history buffers hold bufferSize
// messages.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		topics:     make(map[Topic]*topicState),
		bufferSize: bufferSize,
	}
}

func (b *Bus) topic(t Topic) *topicState {
	ts, ok := b.topics[t]
	if !ok {
		ts = &topicState{
			ring:    newRingBuffer(b.bufferSize),
			fanouts: make(map[int]*fanoutSub),
			work:    make(chan Message, b.bufferSize),
		}
		b.topics[t] = ts
	}
	return ts
}

// Publish appends a message to its topic. Delivery order matches publish
// order for every subscription of that topic.
func (b *Bus) Publish(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	ts := b.topic(m.Topic)
	ts.ring.add(m)

	if ts.started {
		select {
		case ts.work <- m:
		default:
			slog.Warn("bus: work queue full, dropping message", "topic", m.Topic, "type", m.Type)
		}
	}

	for _, sub := range ts.fanouts {
		select {
		case sub.ch <- m:
		default:
			slog.Warn("bus: fanout subscriber lagging, dropping message", "topic", m.Topic, "type", m.Type)
		}
	}
}

// Subscribe registers a handler on a topic. The returned function cancels
// the subscription.
func (b *Bus) Subscribe(topic Topic, mode Mode, offset Offset, handler Handler) func() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return func() {}
	}

	ts := b.topic(topic)

	if mode == ModeWork {
		// Work subscribers share the topic queue. The queue only starts
		// accepting publishes once a consumer exists; begin-offset replays
		// history retained before the first subscriber.
		if !ts.started {
			ts.started = true
			if offset == OffsetBegin {
				for _, m := range ts.ring.get(b.bufferSize) {
					select {
					case ts.work <- m:
					default:
					}
				}
			}
		}
		done := make(chan struct{})
		queue := ts.work
		b.mu.Unlock()

		go workLoop(queue, done, handler)
		return func() { close(done) }
	}

	id := b.nextID
	b.nextID++

	sub := &fanoutSub{
		ch:      make(chan Message, b.bufferSize),
		done:    make(chan struct{}),
		handler: handler,
	}
	ts.fanouts[id] = sub

	if offset == OffsetBegin {
		for _, m := range ts.ring.get(b.bufferSize) {
			sub.ch <- m
		}
	}
	b.mu.Unlock()

	go fanoutLoop(sub)

	return func() {
		b.mu.Lock()
		if cur, ok := b.topics[topic]; ok {
			delete(cur.fanouts, id)
		}
		b.mu.Unlock()
		close(sub.done)
	}
}

func workLoop(queue <-chan Message, done <-chan struct{}, handler Handler) {
	for {
		select {
		case <-done:
			return
		case m := <-queue:
			var err error
			for attempt := 1; attempt <= workMaxAttempts; attempt++ {
				if err = handler(m); err == nil {
					break
				}
				slog.Warn("bus: work handler failed", "topic", m.Topic, "type", m.Type,
					"attempt", attempt, "error", err)
			}
			if err != nil {
				slog.Error("bus: dropping message after retries", "topic", m.Topic,
					"type", m.Type, "id", m.ID, "error", err)
			}
		}
	}
}

func fanoutLoop(sub *fanoutSub) {
	for {
		select {
		case <-sub.done:
			return
		case m := <-sub.ch:
			if err := sub.handler(m); err != nil {
				slog.Warn("bus: fanout handler failed", "topic", m.Topic, "type", m.Type, "error", err)
			}
		}
	}
}

// History returns up to n retained messages for a topic, oldest first.
func (b *Bus) History(topic Topic, n int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return ts.ring.get(n)
}

// Close stops the bus. Publishes after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ts := range b.topics {
		for _, sub := range ts.fanouts {
			close(sub.done)
		}
		ts.fanouts = make(map[int]*fanoutSub)
	}
}

func newMessageID() string {
	return uuid.New().String()
}

// ringBuffer is a circular buffer retaining recent topic messages.
type ringBuffer struct {
	messages []Message
	size     int
	pos      int
	count    int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		messages: make([]Message, size),
		size:     size,
	}
}

func (r *ringBuffer) add(m Message) {
	r.messages[r.pos] = m
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *ringBuffer) get(n int) []Message {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	result := make([]Message, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.messages[(start+i)%r.size]
	}
	return result
}
