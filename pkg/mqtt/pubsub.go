// Package mqtt carries the message queue over an MQTT broker. Groups map to
// shared subscriptions and acks to PUBACK with auto-ack disabled. A nacked
// message is republished to the group's retry topic with a bumped attempt
// counter and a not-before time before the original is acked, so the broker
// always holds a copy.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/shuffler/pkg/messaging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	connTimeout    = 10
	reconnTimeout  = 1
	disconnTimeout = 250
	// MQTT topics are slash separated; queue topic names map onto this root.
	topicRoot = "shuffler/"
	// attrNotBefore holds the unix milli time before which a redelivered
	// message must not be handled.
	attrNotBefore = "not_before"
)

var (
	errPublishTimeout   = errors.New("failed to publish due to timeout reached")
	errSubscribeTimeout = errors.New("failed to subscribe due to timeout reached")
	errEmptyID          = errors.New("empty ID")
	errQoS              = errors.New("at-least-once delivery needs QoS 1 or 2")
)

type Config struct {
	URL      string        `env:"URL"       envDefault:"tcp://localhost:1883"`
	ClientID string        `env:"CLIENT_ID"`
	Username string        `env:"USERNAME"`
	Password string        `env:"PASSWORD"`
	QoS      byte          `env:"QOS"       envDefault:"1"`
	Timeout  time.Duration `env:"TIMEOUT"   envDefault:"30s"`
}

type pubsub struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	policy  messaging.Policy
	logger  *slog.Logger

	inflight sync.WaitGroup
}

func NewPubSub(cfg Config, policy messaging.Policy, logger *slog.Logger) (messaging.Broker, error) {
	if cfg.ClientID == "" {
		return nil, errEmptyID
	}
	if cfg.QoS == 0 {
		return nil, errQoS
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &pubsub{
		client:  client,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		policy:  policy,
		logger:  logger,
	}, nil
}

func (ps *pubsub) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}

	return ps.publish(messaging.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Attributes:  messaging.AttributesFromContext(ctx, attrs),
		Attempt:     1,
		PublishedAt: time.Now(),
	})
}

func (ps *pubsub) publish(msg messaging.Message) error {
	return ps.publishTo(mqttTopic(msg.Topic), msg)
}

func (ps *pubsub) publishTo(topic string, msg messaging.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	token := ps.client.Publish(topic, ps.qos, false, data)
	if ok := token.WaitTimeout(ps.timeout); !ok {
		return errPublishTimeout
	}

	return token.Error()
}

// Subscribe joins the shared subscriptions of group on topic and on the
// group's retry topic, and blocks until ctx is done.
func (ps *pubsub) Subscribe(ctx context.Context, topic, group string, h messaging.Handler) error {
	switch {
	case topic == "":
		return messaging.ErrEmptyTopic
	case group == "":
		return messaging.ErrEmptyGroup
	}

	handler := ps.mqttHandler(ctx, group, h)
	filters := []string{sharedTopic(mqttTopic(topic), group), sharedTopic(retryTopic(topic, group), group)}
	for _, filter := range filters {
		token := ps.client.Subscribe(filter, ps.qos, handler)
		if ok := token.WaitTimeout(ps.timeout); !ok {
			return errSubscribeTimeout
		}
		if err := token.Error(); err != nil {
			return err
		}
	}

	<-ctx.Done()

	token := ps.client.Unsubscribe(filters...)
	token.WaitTimeout(ps.timeout)

	return token.Error()
}

// Close waits for in-flight deliveries to settle and disconnects.
func (ps *pubsub) Close() error {
	ps.inflight.Wait()
	ps.client.Disconnect(disconnTimeout)

	return nil
}

func newClient(cfg Config, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetOrderMatters(false).
		SetConnectTimeout(connTimeout * time.Second).
		SetMaxReconnectInterval(reconnTimeout * time.Minute)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connection established")
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		args := []any{}
		if err != nil {
			args = append(args, slog.Any("error", err))
		}

		logger.Info("MQTT connection lost", args...)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, options *mqtt.ClientOptions) {
		args := []any{}
		if options != nil {
			args = append(args,
				slog.String("client_id", options.ClientID),
				slog.String("username", options.Username),
			)
		}

		logger.Info("MQTT reconnecting", args...)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if ok := token.WaitTimeout(cfg.Timeout); !ok {
		return nil, errors.New("timeout reached while connecting to MQTT broker")
	}
	if token.Error() != nil {
		return nil, errors.Join(errors.New("failed to connect to MQTT broker"), token.Error())
	}

	return client, nil
}

// mqttHandler hands every delivery to its own goroutine so handlers may
// block and publish without stalling the client's router.
func (ps *pubsub) mqttHandler(ctx context.Context, group string, h messaging.Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		ps.inflight.Add(1)
		go func() {
			defer ps.inflight.Done()
			ps.handle(ctx, group, h, m)
		}()
	}
}

func (ps *pubsub) handle(ctx context.Context, group string, h messaging.Handler, m mqtt.Message) {
	msg, err := decode(m.Payload())
	if err != nil {
		ps.logger.Warn(fmt.Sprintf("Failed to unmarshal received message: %s", err))
		m.Ack()

		return
	}

	if wait := time.Until(notBefore(msg)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// Left unacked: the broker redelivers it to the group.
			return
		case <-timer.C:
		}
	}

	if err := ps.policy.Deliver(ctx, h, msg); err != nil {
		if serr := ps.settleFailure(group, msg, err); serr != nil {
			ps.logger.Warn("failed to settle nacked message, leaving it unacked",
				slog.String("message", msg.ID), slog.String("error", serr.Error()))

			return
		}
	}
	m.Ack()
}

// settleFailure publishes the copy that replaces msg on the broker: the next
// attempt on the group's retry topic, or the dead-letter copy once the
// delivery budget is spent.
func (ps *pubsub) settleFailure(group string, msg messaging.Message, cause error) error {
	if ps.policy.Exhausted(msg.Attempt) {
		dead := ps.policy.DeadLetter(msg, cause)
		dead.Attempt = 1
		delete(dead.Attributes, attrNotBefore)

		return ps.publish(dead)
	}

	next := ps.policy.Redelivery(msg)
	next.Attributes[attrNotBefore] = strconv.FormatInt(time.Now().Add(ps.policy.RedeliveryDelay).UnixMilli(), 10)

	return ps.publishTo(retryTopic(msg.Topic, group), next)
}

func notBefore(msg messaging.Message) time.Time {
	ms, err := strconv.ParseInt(msg.Attributes[attrNotBefore], 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

func mqttTopic(topic string) string {
	return topicRoot + topic
}

// retryTopic is private to group so a redelivery reaches only the group
// that nacked it.
func retryTopic(topic, group string) string {
	return mqttTopic(topic) + "/retry/" + group
}

func sharedTopic(filter, group string) string {
	return "$share/" + group + "/" + filter
}

func encode(msg messaging.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (messaging.Message, error) {
	var msg messaging.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return messaging.Message{}, err
	}
	if msg.Topic == "" || msg.Attempt < 1 {
		return messaging.Message{}, fmt.Errorf("malformed queue message %q", msg.ID)
	}

	return msg, nil
}
