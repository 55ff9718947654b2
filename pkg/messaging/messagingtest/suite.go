// Package messagingtest holds the behavior every messaging backend shares.
package messagingtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh broker using policy.
type Factory func(t *testing.T, policy messaging.Policy) messaging.Broker

func TestPolicy() messaging.Policy {
	return messaging.Policy{
		MaxDeliveries:    3,
		RedeliveryDelay:  50 * time.Millisecond,
		AckDeadline:      5 * time.Second,
		DeadLetterSuffix: ".dlq",
	}
}

const waitFor = 5 * time.Second

// recorder collects deliveries from a subscription.
type recorder struct {
	mu   sync.Mutex
	msgs []messaging.Message
	ctxs []context.Context
	ch   chan messaging.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan messaging.Message, 100)}
}

func (r *recorder) handler(fail func(messaging.Message) error) messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) error {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.ctxs = append(r.ctxs, ctx)
		r.mu.Unlock()
		r.ch <- msg
		if fail != nil {
			return fail(msg)
		}

		return nil
	}
}

func (r *recorder) next(t *testing.T) messaging.Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")

		return messaging.Message{}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected delivery of %s attempt %d", msg.ID, msg.Attempt)
	case <-time.After(d):
	}
}

func subscribe(t *testing.T, b messaging.Broker, topic, group string, h messaging.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, b.Subscribe(ctx, topic, group, h))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func Run(t *testing.T, newBroker Factory) {
	t.Run("ack", func(t *testing.T) { testAck(t, newBroker(t, TestPolicy())) })
	t.Run("redelivery", func(t *testing.T) { testRedelivery(t, newBroker(t, TestPolicy())) })
	t.Run("dead letter", func(t *testing.T) { testDeadLetter(t, newBroker(t, TestPolicy())) })
	t.Run("groups", func(t *testing.T) { testGroups(t, newBroker(t, TestPolicy())) })
	t.Run("validation", func(t *testing.T) { testValidation(t, newBroker(t, TestPolicy())) })
}

func testAck(t *testing.T, b messaging.Broker) {
	ctx := messaging.WithCorrelationID(context.Background(), "corr-1")
	require.NoError(t, b.Publish(ctx, "requests", []byte("hello"), map[string]string{messaging.AttrRequestID: "req-1"}))

	rec := newRecorder()
	subscribe(t, b, "requests", "workers", rec.handler(nil))

	msg := rec.next(t)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, "requests", msg.Topic)
	assert.Equal(t, 1, msg.Attempt)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "corr-1", msg.Attributes[messaging.AttrCorrelationID])

	rec.mu.Lock()
	hctx := rec.ctxs[0]
	rec.mu.Unlock()
	assert.Equal(t, "corr-1", messaging.CorrelationID(hctx))
	assert.Equal(t, "req-1", messaging.RequestID(hctx))

	rec.none(t, 300*time.Millisecond)
}

func testRedelivery(t *testing.T, b messaging.Broker) {
	rec := newRecorder()
	subscribe(t, b, "requests", "workers", rec.handler(func(msg messaging.Message) error {
		if msg.Attempt < 2 {
			return errors.New("transient")
		}

		return nil
	}))
	require.NoError(t, b.Publish(context.Background(), "requests", []byte("x"), nil))

	first := rec.next(t)
	second := rec.next(t)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	rec.none(t, 300*time.Millisecond)
}

func testDeadLetter(t *testing.T, b messaging.Broker) {
	policy := TestPolicy()
	rec := newRecorder()
	dead := newRecorder()
	subscribe(t, b, "requests", "workers", rec.handler(func(messaging.Message) error {
		return errors.New("corrupt payload")
	}))
	subscribe(t, b, policy.DeadLetterTopic("requests"), "ops", dead.handler(nil))

	require.NoError(t, b.Publish(context.Background(), "requests", []byte("bad"), map[string]string{messaging.AttrRequestID: "req-9"}))

	for attempt := 1; attempt <= policy.MaxDeliveries; attempt++ {
		msg := rec.next(t)
		assert.Equal(t, attempt, msg.Attempt)
	}
	rec.none(t, 300*time.Millisecond)

	dl := dead.next(t)
	assert.Equal(t, []byte("bad"), dl.Payload)
	assert.Equal(t, "requests.dlq", dl.Topic)
	assert.Equal(t, "requests", dl.Attributes[messaging.AttrOriginalTopic])
	assert.Equal(t, "corrupt payload", dl.Attributes[messaging.AttrDeadLetterReason])
	assert.Equal(t, "req-9", dl.Attributes[messaging.AttrRequestID])
}

func testGroups(t *testing.T, b messaging.Broker) {
	// Two members of one group share the work, a second group sees it all.
	shared := newRecorder()
	other := newRecorder()
	subscribe(t, b, "notifications", "collector", shared.handler(nil))
	subscribe(t, b, "notifications", "collector", shared.handler(nil))
	subscribe(t, b, "notifications", "audit", other.handler(nil))
	// Let the groups register before publishing.
	time.Sleep(200 * time.Millisecond)

	const n = 10
	for i := range n {
		require.NoError(t, b.Publish(context.Background(), "notifications", []byte(fmt.Sprint(i)), nil))
	}

	seen := map[string]int{}
	for range n {
		seen[string(shared.next(t).Payload)]++
		other.next(t)
	}
	assert.Len(t, seen, n)
	for payload, count := range seen {
		assert.Equal(t, 1, count, "payload %s delivered more than once", payload)
	}
	shared.none(t, 300*time.Millisecond)
}

func testValidation(t *testing.T, b messaging.Broker) {
	ctx := context.Background()
	assert.ErrorIs(t, b.Publish(ctx, "", nil, nil), messaging.ErrEmptyTopic)
	assert.ErrorIs(t, b.Subscribe(ctx, "", "g", nil), messaging.ErrEmptyTopic)
	assert.ErrorIs(t, b.Subscribe(ctx, "t", "", nil), messaging.ErrEmptyGroup)
}
