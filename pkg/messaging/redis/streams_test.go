package redis_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/messaging/messagingtest"
	streams "github.com/absmach/shuffler/pkg/messaging/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestStreamsBroker(t *testing.T) {
	messagingtest.Run(t, func(t *testing.T, policy messaging.Policy) messaging.Broker {
		_, client := newClient(t)

		return streams.NewBroker(client, streams.Config{KeyPrefix: "test:", PollInterval: 50 * time.Millisecond}, policy, logger)
	})
}

func TestDelayedRedeliveryIsScopedToGroup(t *testing.T) {
	_, client := newClient(t)
	b := streams.NewBroker(client, streams.Config{KeyPrefix: "test:", PollInterval: 50 * time.Millisecond}, messagingtest.TestPolicy(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := make(chan messaging.Message, 10)
	healthy := make(chan messaging.Message, 10)
	go b.Subscribe(ctx, "aggregate", "a", func(_ context.Context, msg messaging.Message) error {
		failing <- msg
		if msg.Attempt == 1 {
			return errors.New("retry me")
		}

		return nil
	})
	go b.Subscribe(ctx, "aggregate", "b", func(_ context.Context, msg messaging.Message) error {
		healthy <- msg

		return nil
	})
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "aggregate", []byte("x"), nil))

	for _, want := range []int{1, 2} {
		select {
		case msg := <-failing:
			assert.Equal(t, want, msg.Attempt)
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d not delivered", want)
		}
	}

	select {
	case msg := <-healthy:
		assert.Equal(t, 1, msg.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("group b did not receive the message")
	}
	select {
	case msg := <-healthy:
		t.Fatalf("group b saw a redelivery meant for group a: attempt %d", msg.Attempt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUnackedEntriesAreReclaimed(t *testing.T) {
	_, client := newClient(t)
	policy := messagingtest.TestPolicy()
	policy.AckDeadline = 100 * time.Millisecond
	b := streams.NewBroker(client, streams.Config{KeyPrefix: "test:", PollInterval: 50 * time.Millisecond}, policy, logger)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "aggregate", []byte("x"), nil))

	// A consumer that read the entry and died without acking.
	require.NoError(t, client.XGroupCreateMkStream(ctx, "test:stream:aggregate", "workers", "0").Err())
	res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "dead",
		Streams:  []string{"test:stream:aggregate", ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res[0].Messages, 1)

	time.Sleep(150 * time.Millisecond)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	got := make(chan messaging.Message, 1)
	go b.Subscribe(subCtx, "aggregate", "workers", func(_ context.Context, msg messaging.Message) error {
		got <- msg

		return nil
	})

	select {
	case msg := <-got:
		assert.Equal(t, 2, msg.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("pending entry was not reclaimed")
	}
}
