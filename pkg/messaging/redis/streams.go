// Package redis implements the message queue on Redis Streams. Each topic is
// a stream and each group a consumer group. Nacked messages wait in a
// per-group sorted set scored by their redelivery time and are re-added to
// the stream, tagged with the group, once due. Messages whose consumer died
// are reclaimed with XAUTOCLAIM after the ack deadline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldMessage = "msg"
	fieldGroup   = "group"
	batchSize    = 16
	streamMaxLen = 100_000
)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', 'msg', m, 'group', ARGV[3])
	redis.call('ZREM', KEYS[1], m)
end
return #due
`)

type Config struct {
	URL          string        `env:"URL"           envDefault:"redis://localhost:6379/0"`
	KeyPrefix    string        `env:"KEY_PREFIX"    envDefault:"shuffler:"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
}

type broker struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
	policy messaging.Policy
	logger *slog.Logger
}

func NewBroker(client redis.UniversalClient, cfg Config, policy messaging.Policy, logger *slog.Logger) messaging.Broker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	return &broker{
		client: client,
		prefix: cfg.KeyPrefix,
		poll:   cfg.PollInterval,
		policy: policy,
		logger: logger,
	}
}

func (b *broker) streamKey(topic string) string {
	return b.prefix + "stream:" + topic
}

func (b *broker) delayedKey(topic, group string) string {
	return b.prefix + "delayed:" + topic + ":" + group
}

func (b *broker) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}

	return b.add(ctx, messaging.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Attributes:  messaging.AttributesFromContext(ctx, attrs),
		Attempt:     1,
		PublishedAt: time.Now(),
	}, "")
}

func (b *broker) add(ctx context.Context, msg messaging.Message, group string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(msg.Topic),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{fieldMessage: data, fieldGroup: group},
	}).Err()
}

func (b *broker) Subscribe(ctx context.Context, topic, group string, h messaging.Handler) error {
	switch {
	case topic == "":
		return messaging.ErrEmptyTopic
	case group == "":
		return messaging.ErrEmptyGroup
	}

	stream := b.streamKey(topic)
	if err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, topic, err)
	}
	consumer := uuid.NewString()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := b.poll1(ctx, topic, group, consumer, h); err != nil && ctx.Err() == nil {
			b.logger.Warn("stream poll failed", slog.String("topic", topic), slog.String("group", group), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.poll):
			}
		}
	}
}

func (b *broker) poll1(ctx context.Context, topic, group, consumer string, h messaging.Handler) error {
	stream := b.streamKey(topic)

	if err := promoteScript.Run(ctx, b.client,
		[]string{b.delayedKey(topic, group), stream},
		time.Now().UnixMilli(), batchSize, group,
	).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed: %w", err)
	}

	if b.policy.AckDeadline > 0 {
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.policy.AckDeadline,
			Start:    "0-0",
			Count:    batchSize,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("autoclaim: %w", err)
		}
		for _, xm := range claimed {
			b.handle(ctx, topic, group, xm, h, true)
		}
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    batchSize,
		Block:    b.poll,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("read group: %w", err)
	}
	for _, s := range res {
		for _, xm := range s.Messages {
			b.handle(ctx, topic, group, xm, h, false)
		}
	}

	return nil
}

// handle delivers one stream entry and settles it. The entry is acked only
// once its outcome (done, delayed or dead-lettered) is durable; otherwise it
// stays pending and is reclaimed after the ack deadline.
func (b *broker) handle(ctx context.Context, topic, group string, xm redis.XMessage, h messaging.Handler, reclaimed bool) {
	stream := b.streamKey(topic)
	if target, _ := xm.Values[fieldGroup].(string); target != "" && target != group {
		b.ack(ctx, stream, group, xm.ID)

		return
	}

	raw, _ := xm.Values[fieldMessage].(string)
	var msg messaging.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		b.logger.Warn("dropping undecodable stream entry", slog.String("topic", topic), slog.String("entry", xm.ID), slog.String("error", err.Error()))
		b.ack(ctx, stream, group, xm.ID)

		return
	}
	if reclaimed {
		msg.Attempt++
	}

	err := b.policy.Deliver(ctx, h, msg)
	if err != nil {
		if serr := b.settleFailure(ctx, group, msg, err); serr != nil {
			b.logger.Warn("failed to schedule redelivery", slog.String("topic", topic), slog.String("message", msg.ID), slog.String("error", serr.Error()))

			return
		}
	}
	b.ack(ctx, stream, group, xm.ID)
}

func (b *broker) settleFailure(ctx context.Context, group string, msg messaging.Message, cause error) error {
	if b.policy.Exhausted(msg.Attempt) {
		dead := b.policy.DeadLetter(msg, cause)
		dead.Attempt = 1

		return b.add(ctx, dead, "")
	}

	next := b.policy.Redelivery(msg)
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}

	return b.client.ZAdd(ctx, b.delayedKey(msg.Topic, group), redis.Z{
		Score:  float64(time.Now().Add(b.policy.RedeliveryDelay).UnixMilli()),
		Member: data,
	}).Err()
}

func (b *broker) ack(ctx context.Context, stream, group, id string) {
	if err := b.client.XAck(context.WithoutCancel(ctx), stream, group, id).Err(); err != nil {
		b.logger.Warn("failed to ack stream entry", slog.String("stream", stream), slog.String("entry", id), slog.String("error", err.Error()))
	}
}

func (b *broker) Close() error {
	return nil
}
