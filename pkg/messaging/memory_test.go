package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/messaging/messagingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker(t *testing.T) {
	messagingtest.Run(t, func(t *testing.T, policy messaging.Policy) messaging.Broker {
		b := messaging.NewMemoryBroker(policy)
		t.Cleanup(func() { b.Close() })

		return b
	})
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := messaging.NewMemoryBroker(messaging.DefaultPolicy())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil, nil), messaging.ErrClosed)
}

func TestAckDeadline(t *testing.T) {
	policy := messagingtest.TestPolicy()
	policy.AckDeadline = 20 * time.Millisecond
	policy.MaxDeliveries = 1
	b := messaging.NewMemoryBroker(policy)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	go b.Subscribe(ctx, "slow", "g", func(ctx context.Context, _ messaging.Message) error {
		<-ctx.Done()
		errs <- ctx.Err()

		return ctx.Err()
	})
	require.NoError(t, b.Publish(context.Background(), "slow", []byte("x"), nil))

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not bounded by the ack deadline")
	}
}

func TestPolicy(t *testing.T) {
	p := messaging.DefaultPolicy()

	cases := []struct {
		desc      string
		attempt   int
		exhausted bool
	}{
		{desc: "first attempt", attempt: 1, exhausted: false},
		{desc: "before limit", attempt: 4, exhausted: false},
		{desc: "at limit", attempt: 5, exhausted: true},
		{desc: "past limit", attempt: 6, exhausted: true},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.exhausted, p.Exhausted(tc.attempt))
		})
	}

	msg := messaging.Message{ID: "m", Topic: "aggregate", Attempt: 2, Attributes: map[string]string{"k": "v"}}
	next := p.Redelivery(msg)
	assert.Equal(t, 3, next.Attempt)
	next.Attributes["k"] = "changed"
	assert.Equal(t, "v", msg.Attributes["k"])

	dead := p.DeadLetter(msg, errors.New("boom"))
	assert.Equal(t, "aggregate.dlq", dead.Topic)
	assert.Equal(t, "aggregate", dead.Attributes[messaging.AttrOriginalTopic])
	assert.Equal(t, "boom", dead.Attributes[messaging.AttrDeadLetterReason])
	assert.Equal(t, "aggregate", msg.Topic)
}

func TestContextAttributes(t *testing.T) {
	ctx := messaging.WithRequestID(messaging.WithCorrelationID(context.Background(), "c"), "r")
	attrs := messaging.AttributesFromContext(ctx, map[string]string{messaging.AttrRequestID: "explicit"})
	assert.Equal(t, "c", attrs[messaging.AttrCorrelationID])
	assert.Equal(t, "explicit", attrs[messaging.AttrRequestID])

	restored := messaging.ContextWithAttributes(context.Background(), attrs)
	assert.Equal(t, "c", messaging.CorrelationID(restored))
	assert.Equal(t, "explicit", messaging.RequestID(restored))
	assert.Empty(t, messaging.RequestID(context.Background()))
}
