package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/messaging"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	paho.Token
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}
func (t *doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	paho.Client

	mu         sync.Mutex
	published  []published
	handlers   map[string]paho.MessageHandler
	publishErr error
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &doneToken{err: c.publishErr}
	}
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})

	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, h paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h

	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	return &doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]published(nil), c.published...)
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
	acked   atomic.Bool
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack()            { m.acked.Store(true) }

func newTestPubSub(policy messaging.Policy) (*pubsub, *fakeClient) {
	client := &fakeClient{handlers: make(map[string]paho.MessageHandler)}

	return &pubsub{
		client:  client,
		qos:     1,
		timeout: time.Second,
		policy:  policy,
		logger:  slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}, client
}

func TestNewPubSubValidation(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
		err  error
	}{
		{desc: "missing client id", cfg: Config{QoS: 1}, err: errEmptyID},
		{desc: "qos zero", cfg: Config{ClientID: "c", QoS: 0}, err: errQoS},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := NewPubSub(tc.cfg, messaging.DefaultPolicy(), nil)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestPublishEncodesMessage(t *testing.T) {
	ps, client := newTestPubSub(messaging.DefaultPolicy())
	ctx := messaging.WithCorrelationID(context.Background(), "corr")

	require.NoError(t, ps.Publish(ctx, "aggregate", []byte("work"), nil))
	assert.ErrorIs(t, ps.Publish(ctx, "", nil, nil), messaging.ErrEmptyTopic)

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "shuffler/aggregate", sent[0].topic)
	assert.Equal(t, byte(1), sent[0].qos)

	msg, err := decode(sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("work"), msg.Payload)
	assert.Equal(t, 1, msg.Attempt)
	assert.Equal(t, "corr", msg.Attributes[messaging.AttrCorrelationID])
}

// subscribe starts a subscription of group "workers" on "aggregate" and
// returns the handlers registered for the topic and the retry topic.
func subscribe(t *testing.T, ps *pubsub, client *fakeClient, h messaging.Handler) (paho.MessageHandler, paho.MessageHandler, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ps.Subscribe(ctx, "aggregate", "workers", h)
	}()

	var main, retry paho.MessageHandler
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		main = client.handlers["$share/workers/shuffler/aggregate"]
		retry = client.handlers["$share/workers/shuffler/aggregate/retry/workers"]

		return main != nil && retry != nil
	}, time.Second, 5*time.Millisecond)

	return main, retry, func() {
		cancel()
		assert.NoError(t, <-done)
	}
}

func message(t *testing.T, topic string, msg messaging.Message) *fakeMessage {
	t.Helper()
	data, err := encode(msg)
	require.NoError(t, err)

	return &fakeMessage{topic: topic, payload: data}
}

func TestHandlerSettlement(t *testing.T) {
	policy := messaging.Policy{MaxDeliveries: 2, RedeliveryDelay: 10 * time.Millisecond, DeadLetterSuffix: ".dlq"}
	ps, client := newTestPubSub(policy)
	h, retry, stop := subscribe(t, ps, client, func(context.Context, messaging.Message) error {
		return errors.New("bad gradient")
	})

	m := message(t, "shuffler/aggregate", messaging.Message{ID: "m1", Topic: "aggregate", Payload: []byte("x"), Attempt: 1})
	h(nil, m)
	require.Eventually(t, m.acked.Load, time.Second, 5*time.Millisecond)

	// The next attempt is on the broker before the original is acked, on the
	// retry topic private to the group.
	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "shuffler/aggregate/retry/workers", sent[0].topic)
	redelivered, err := decode(sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.Attempt)
	assert.Equal(t, "m1", redelivered.ID)
	assert.Equal(t, "aggregate", redelivered.Topic)
	assert.NotEmpty(t, redelivered.Attributes[attrNotBefore])

	// The second failure exhausts the budget.
	m2 := &fakeMessage{topic: sent[0].topic, payload: sent[0].payload}
	retry(nil, m2)
	require.Eventually(t, m2.acked.Load, time.Second, 5*time.Millisecond)
	sent = client.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "shuffler/aggregate.dlq", sent[1].topic)
	dead, err := decode(sent[1].payload)
	require.NoError(t, err)
	assert.Equal(t, "bad gradient", dead.Attributes[messaging.AttrDeadLetterReason])
	assert.NotContains(t, dead.Attributes, attrNotBefore)

	// Undecodable payloads are acked and dropped.
	m3 := &fakeMessage{topic: "shuffler/aggregate", payload: []byte("{")}
	h(nil, m3)
	require.Eventually(t, m3.acked.Load, time.Second, 5*time.Millisecond)
	assert.Len(t, client.sent(), 2)

	stop()
	assert.NoError(t, ps.Close())
}

func TestNackedMessageSurvivesClose(t *testing.T) {
	policy := messaging.Policy{MaxDeliveries: 3, RedeliveryDelay: time.Hour, DeadLetterSuffix: ".dlq"}
	ps, client := newTestPubSub(policy)
	h, _, stop := subscribe(t, ps, client, func(context.Context, messaging.Message) error {
		return errors.New("transient")
	})

	m := message(t, "shuffler/aggregate", messaging.Message{ID: "m1", Topic: "aggregate", Attempt: 1})
	h(nil, m)
	stop()
	require.NoError(t, ps.Close())

	assert.True(t, m.acked.Load())
	sent := client.sent()
	require.Len(t, sent, 1)
	next, err := decode(sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Attempt)
}

func TestFailedSettlementLeavesMessageUnacked(t *testing.T) {
	policy := messaging.Policy{MaxDeliveries: 3, RedeliveryDelay: time.Millisecond, DeadLetterSuffix: ".dlq"}
	ps, client := newTestPubSub(policy)
	client.publishErr = errors.New("connection lost")
	h, _, stop := subscribe(t, ps, client, func(context.Context, messaging.Message) error {
		return errors.New("transient")
	})

	m := message(t, "shuffler/aggregate", messaging.Message{ID: "m1", Topic: "aggregate", Attempt: 1})
	h(nil, m)
	stop()
	require.NoError(t, ps.Close())

	assert.False(t, m.acked.Load())
	assert.Empty(t, client.sent())
}

func TestRedeliveryWaitsForNotBefore(t *testing.T) {
	ps, client := newTestPubSub(messaging.DefaultPolicy())
	handled := make(chan time.Time, 1)
	_, retry, stop := subscribe(t, ps, client, func(context.Context, messaging.Message) error {
		handled <- time.Now()

		return nil
	})
	defer stop()

	due := time.Now().Add(50 * time.Millisecond)
	m := message(t, "shuffler/aggregate/retry/workers", messaging.Message{
		ID:         "m1",
		Topic:      "aggregate",
		Attempt:    2,
		Attributes: map[string]string{attrNotBefore: strconv.FormatInt(due.UnixMilli(), 10)},
	})
	retry(nil, m)

	select {
	case at := <-handled:
		assert.False(t, at.Before(due.Truncate(time.Millisecond)))
	case <-time.After(time.Second):
		t.Fatal("redelivered message was not handled")
	}
	require.Eventually(t, m.acked.Load, time.Second, 5*time.Millisecond)
}

func TestPendingRedeliveryIsNotAckedOnShutdown(t *testing.T) {
	ps, client := newTestPubSub(messaging.DefaultPolicy())
	h, _, stop := subscribe(t, ps, client, func(context.Context, messaging.Message) error {
		t.Error("handler must not run before the redelivery is due")

		return nil
	})

	m := message(t, "shuffler/aggregate", messaging.Message{
		ID:         "m1",
		Topic:      "aggregate",
		Attempt:    2,
		Attributes: map[string]string{attrNotBefore: strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10)},
	})
	h(nil, m)
	stop()
	require.NoError(t, ps.Close())

	assert.False(t, m.acked.Load())
}

func TestHandlerDoesNotBlockRouter(t *testing.T) {
	ps, client := newTestPubSub(messaging.DefaultPolicy())
	release := make(chan struct{})
	h, _, stop := subscribe(t, ps, client, func(context.Context, messaging.Message) error {
		<-release

		return nil
	})

	m := message(t, "shuffler/aggregate", messaging.Message{ID: "m1", Topic: "aggregate", Attempt: 1})
	returned := make(chan struct{})
	go func() {
		h(nil, m)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("message callback blocked on the handler")
	}
	assert.False(t, m.acked.Load())

	close(release)
	require.Eventually(t, m.acked.Load, time.Second, 5*time.Millisecond)
	stop()
	require.NoError(t, ps.Close())
}
