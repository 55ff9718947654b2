// Package messaging is the durable at-least-once queue used between the
// collector and the workers. A handler that returns nil acks its message;
// any error nacks it. Nacked messages are redelivered after a delay until
// the delivery budget is spent, then moved to the topic's dead-letter topic.
package messaging

import (
	"context"
	"errors"
	"time"
)

const (
	AttrCorrelationID = "correlation_id"
	AttrRequestID     = "request_id"
	// AttrDeadLetterReason carries the last handler error on dead-lettered messages.
	AttrDeadLetterReason = "dead_letter_reason"
	AttrOriginalTopic    = "original_topic"
)

var (
	ErrEmptyTopic = errors.New("empty topic")
	ErrEmptyGroup = errors.New("empty consumer group")
	ErrClosed     = errors.New("broker closed")
)

type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Attempt     int               `json:"attempt"`
	PublishedAt time.Time         `json:"published_at"`
}

type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	// Publish enqueues payload on topic. Correlation and request ids found in
	// ctx are added to attrs unless already set.
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error
}

type Subscriber interface {
	// Subscribe consumes topic as a member of group until ctx is done.
	// Members of one group compete for messages; every group sees every message.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

type Policy struct {
	MaxDeliveries    int           `env:"MAX_DELIVERIES"     envDefault:"5"`
	RedeliveryDelay  time.Duration `env:"REDELIVERY_DELAY"   envDefault:"10s"`
	AckDeadline      time.Duration `env:"ACK_DEADLINE"       envDefault:"5m"`
	DeadLetterSuffix string        `env:"DEAD_LETTER_SUFFIX" envDefault:".dlq"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxDeliveries:    5,
		RedeliveryDelay:  10 * time.Second,
		AckDeadline:      5 * time.Minute,
		DeadLetterSuffix: ".dlq",
	}
}

func (p Policy) DeadLetterTopic(topic string) string {
	return topic + p.DeadLetterSuffix
}

// Exhausted reports whether a message that failed on attempt must go to the
// dead-letter topic instead of being redelivered.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxDeliveries > 0 && attempt >= p.MaxDeliveries
}

// Redelivery returns the copy of msg to deliver after a failed attempt.
func (p Policy) Redelivery(msg Message) Message {
	msg.Attempt++
	msg.Attributes = cloneAttrs(msg.Attributes)

	return msg
}

// DeadLetter returns the copy of msg to publish on the dead-letter topic.
func (p Policy) DeadLetter(msg Message, cause error) Message {
	attrs := cloneAttrs(msg.Attributes)
	attrs[AttrOriginalTopic] = msg.Topic
	if cause != nil {
		attrs[AttrDeadLetterReason] = cause.Error()
	}
	msg.Topic = p.DeadLetterTopic(msg.Topic)
	msg.Attributes = attrs

	return msg
}

// Deliver runs h for msg with the message attributes restored into ctx and
// the ack deadline applied.
func (p Policy) Deliver(ctx context.Context, h Handler, msg Message) error {
	ctx = ContextWithAttributes(ctx, msg.Attributes)
	if p.AckDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AckDeadline)
		defer cancel()
	}

	return h(ctx, msg)
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		out[k] = v
	}

	return out
}
