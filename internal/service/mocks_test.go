package service

import (
	"context"
	"time"

	"smsrelay/internal/models"
	"smsrelay/internal/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type mockCredentialStore struct {
	mock.Mock
}

func (m *mockCredentialStore) GetCredentials(ctx context.Context) (models.Credentials, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.Credentials), args.Error(1)
}

func (m *mockCredentialStore) SaveCredentials(ctx context.Context, creds models.Credentials) error {
	args := m.Called(ctx, creds)
	return args.Error(0)
}

type mockStatusStore struct {
	mock.Mock
}

func (m *mockStatusStore) RecordLastForwardAttempt(ctx context.Context, endpoint string, atEpochMs int64, httpCode int, errorBody *string) error {
	args := m.Called(ctx, endpoint, atEpochMs, httpCode, errorBody)
	return args.Error(0)
}

func (m *mockStatusStore) GetLastForwardStatus(ctx context.Context) (models.LastForwardStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.LastForwardStatus), args.Error(1)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, req queue.EnqueueRequest, policy queue.Policy) (queue.EnqueueResult, error) {
	args := m.Called(ctx, req, policy)
	return args.Get(0).(queue.EnqueueResult), args.Error(1)
}

func (m *mockQueue) ListByKey(ctx context.Context, key string) ([]queue.TaskInfo, error) {
	args := m.Called(ctx, key)
	return args.Get(0).([]queue.TaskInfo), args.Error(1)
}

func (m *mockQueue) ListByTag(ctx context.Context, tag string) ([]queue.TaskInfo, error) {
	args := m.Called(ctx, tag)
	return args.Get(0).([]queue.TaskInfo), args.Error(1)
}

func (m *mockQueue) CancelByTag(ctx context.Context, tag string) (queue.CancelResult, error) {
	args := m.Called(ctx, tag)
	return args.Get(0).(queue.CancelResult), args.Error(1)
}

func (m *mockQueue) Counts(ctx context.Context) (map[queue.State]int, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[queue.State]int), args.Error(1)
}

func (m *mockQueue) InFlight() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockQueue) PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}
