package mocks

import (
	"context"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/stretchr/testify/mock"
)

var _ messaging.Broker = (*MockPubSub)(nil)

// MockPubSub is a mock implementation of messaging.Broker for testing.
type MockPubSub struct {
	mock.Mock
}

func (m *MockPubSub) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	args := m.Called(ctx, topic, payload, attrs)
	return args.Error(0)
}

func (m *MockPubSub) Subscribe(ctx context.Context, topic, group string, handler messaging.Handler) error {
	args := m.Called(ctx, topic, group, handler)
	return args.Error(0)
}

func (m *MockPubSub) Close() error {
	args := m.Called()
	return args.Error(0)
}
