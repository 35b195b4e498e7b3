package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/history"
	"github.com/paqetui/paqetd/internal/session"
)

// MockClient implements ClientInterface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) status(args mock.Arguments) (*session.Status, error) {
	st, _ := args.Get(0).(*session.Status)
	return st, args.Error(1)
}

func (m *MockClient) SessionStart(ctx context.Context, params command.ConfigParams) (*session.Status, error) {
	return m.status(m.Called(ctx, params))
}

func (m *MockClient) SessionStop(ctx context.Context) (*session.Status, error) {
	return m.status(m.Called(ctx))
}

func (m *MockClient) SessionRestart(ctx context.Context, params command.ConfigParams) (*session.Status, error) {
	return m.status(m.Called(ctx, params))
}

func (m *MockClient) SessionReset(ctx context.Context) (*session.Status, error) {
	return m.status(m.Called(ctx))
}

func (m *MockClient) SessionStatus(ctx context.Context) (*session.Status, error) {
	return m.status(m.Called(ctx))
}

func (m *MockClient) SessionLogs(ctx context.Context, since uint64, limit int) (*command.LogsResult, error) {
	args := m.Called(ctx, since, limit)
	res, _ := args.Get(0).(*command.LogsResult)
	return res, args.Error(1)
}

func (m *MockClient) SessionHistory(ctx context.Context, limit int) ([]history.Record, error) {
	args := m.Called(ctx, limit)
	recs, _ := args.Get(0).([]history.Record)
	return recs, args.Error(1)
}

func (m *MockClient) ConfigValidate(ctx context.Context, params command.ConfigParams) (*command.ValidateResult, error) {
	args := m.Called(ctx, params)
	res, _ := args.Get(0).(*command.ValidateResult)
	return res, args.Error(1)
}

func (m *MockClient) NetDetect(ctx context.Context) (*command.NetDetectResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*command.NetDetectResult)
	return res, args.Error(1)
}

func (m *MockClient) ConfigReload(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	cold, _ := args.Get(0).([]string)
	return cold, args.Error(1)
}

func (m *MockClient) DaemonStatus(ctx context.Context) (*command.DaemonStatus, error) {
	args := m.Called(ctx)
	ds, _ := args.Get(0).(*command.DaemonStatus)
	return ds, args.Error(1)
}

func (m *MockClient) DaemonShutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}

// useClient makes the commands use m until the test ends.
func useClient(t *testing.T, m *MockClient) {
	t.Helper()
	orig := newClient
	newClient = func() ClientInterface { return m }
	t.Cleanup(func() { newClient = orig })
}
