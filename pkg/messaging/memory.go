package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idlePoll bounds how long a consumer sleeps, since one signal wakes only
// one member of a group.
const idlePoll = time.Second

type delivery struct {
	msg     Message
	readyAt time.Time
}

type memoryQueue struct {
	items  []delivery
	signal chan struct{}
}

func (q *memoryQueue) push(d delivery) {
	q.items = append(q.items, d)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the first ready delivery, or how long until one is ready.
func (q *memoryQueue) pop(now time.Time) (Message, time.Duration, bool) {
	wait := time.Duration(-1)
	for i, d := range q.items {
		if !d.readyAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)

			return d.msg, 0, true
		}
		if w := d.readyAt.Sub(now); wait < 0 || w < wait {
			wait = w
		}
	}

	return Message{}, wait, false
}

type memoryTopic struct {
	groups map[string]*memoryQueue
	// backlog holds messages published before any group subscribed.
	backlog []Message
}

type memoryBroker struct {
	mu     sync.Mutex
	policy Policy
	topics map[string]*memoryTopic
	done   chan struct{}
	closed bool
}

// NewMemoryBroker returns an in-process broker. Messages do not survive a
// restart; it exists for tests and single-process deployments.
func NewMemoryBroker(policy Policy) Broker {
	return &memoryBroker{
		policy: policy,
		topics: make(map[string]*memoryTopic),
		done:   make(chan struct{}),
	}
}

func (b *memoryBroker) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{groups: make(map[string]*memoryQueue)}
		b.topics[name] = t
	}

	return t
}

func (b *memoryBroker) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.enqueue(Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Attributes:  AttributesFromContext(ctx, attrs),
		Attempt:     1,
		PublishedAt: time.Now(),
	})

	return nil
}

func (b *memoryBroker) enqueue(msg Message) {
	t := b.topic(msg.Topic)
	if len(t.groups) == 0 {
		t.backlog = append(t.backlog, msg)

		return
	}
	for _, q := range t.groups {
		q.push(delivery{msg: msg})
	}
}

func (b *memoryBroker) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	switch {
	case topic == "":
		return ErrEmptyTopic
	case group == "":
		return ErrEmptyGroup
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return ErrClosed
	}
	t := b.topic(topic)
	q, ok := t.groups[group]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{}, 1)}
		for _, msg := range t.backlog {
			q.items = append(q.items, delivery{msg: msg})
		}
		t.backlog = nil
		t.groups[group] = q
	}
	b.mu.Unlock()

	for {
		b.mu.Lock()
		msg, wait, ok := q.pop(time.Now())
		b.mu.Unlock()

		if ok {
			if err := b.policy.Deliver(ctx, h, msg); err != nil {
				b.nack(q, msg, err)
			}

			continue
		}

		if wait < 0 || wait > idlePoll {
			wait = idlePoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-b.done:
			timer.Stop()

			return nil
		case <-q.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (b *memoryBroker) nack(q *memoryQueue, msg Message, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.policy.Exhausted(msg.Attempt) {
		dead := b.policy.DeadLetter(msg, cause)
		dead.Attempt = 1
		b.enqueue(dead)

		return
	}
	q.push(delivery{msg: b.policy.Redelivery(msg), readyAt: time.Now().Add(b.policy.RedeliveryDelay)})
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}

	return nil
}
