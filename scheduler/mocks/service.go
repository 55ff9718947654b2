package mocks

import (
	"context"

	"github.com/absmach/shuffler/scheduler"
	"github.com/stretchr/testify/mock"
)

var _ scheduler.Service = (*MockService)(nil)

// MockService is a mock implementation of the scheduler.Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) ProcessCreatedTasks(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) ProcessActiveTasks(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) FinalizeTasks(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) ProcessCompletedIterations(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
