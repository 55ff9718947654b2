package mocks

import (
	"context"

	"github.com/absmach/shuffler/collector"
	"github.com/absmach/shuffler/pkg/workorder"
	"github.com/stretchr/testify/mock"
)

var _ collector.Service = (*MockService)(nil)

// MockService is a mock implementation of the collector.Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) ProcessCollecting(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) ProcessTimeouts(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// HandleNotification advances the iteration a worker notification refers to
func (m *MockService) HandleNotification(ctx context.Context, n workorder.CompletionNotification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}
