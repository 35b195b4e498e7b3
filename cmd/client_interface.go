package cmd

import (
	"context"

	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/history"
	"github.com/paqetui/paqetd/internal/session"
)

// ClientInterface is the daemon control surface the commands use.
// *command.UDSClient implements it; tests substitute a mock.
type ClientInterface interface {
	SessionStart(ctx context.Context, params command.ConfigParams) (*session.Status, error)
	SessionStop(ctx context.Context) (*session.Status, error)
	SessionRestart(ctx context.Context, params command.ConfigParams) (*session.Status, error)
	SessionReset(ctx context.Context) (*session.Status, error)
	SessionStatus(ctx context.Context) (*session.Status, error)
	SessionLogs(ctx context.Context, since uint64, limit int) (*command.LogsResult, error)
	SessionHistory(ctx context.Context, limit int) ([]history.Record, error)
	ConfigValidate(ctx context.Context, params command.ConfigParams) (*command.ValidateResult, error)
	NetDetect(ctx context.Context) (*command.NetDetectResult, error)
	ConfigReload(ctx context.Context) ([]string, error)
	DaemonStatus(ctx context.Context) (*command.DaemonStatus, error)
	DaemonShutdown(ctx context.Context) error
	Close() error
}

// newClient is replaced in tests.
var newClient = func() ClientInterface {
	return command.NewUDSClient(socketPath, rpcTimeout)
}

// withClient runs fn with a fresh client and closes it afterwards.
func withClient(fn func(ClientInterface) error) error {
	c := newClient()
	defer c.Close()
	return fn(c)
}
