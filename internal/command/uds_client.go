package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/paqetui/paqetd/internal/history"
	"github.com/paqetui/paqetd/internal/netdetect"
	"github.com/paqetui/paqetd/internal/session"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// rawResponse keeps the result undecoded so callers can pick its type.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

func (c *UDSClient) roundTrip(ctx context.Context, method string, params any) (*rawResponse, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	return &resp, nil
}

// Call sends a command and waits for response. An RPC error is returned in
// Response.Error, not as err.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (*Response, error) {
	raw, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		ID:    fmt.Sprintf("%v", raw.ID),
		Error: raw.Error,
	}
	if len(raw.Result) > 0 {
		if err := json.Unmarshal(raw.Result, &resp.Result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return resp, nil
}

// Do calls method and decodes the result into out, which may be nil.
// An RPC error is returned as *ErrorInfo.
func (c *UDSClient) Do(ctx context.Context, method string, params, out any) error {
	raw, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if raw.Error != nil {
		return raw.Error
	}
	if out == nil || len(raw.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func (c *UDSClient) status(ctx context.Context, method string, params any) (*session.Status, error) {
	var st session.Status
	if err := c.Do(ctx, method, params, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SessionStart starts a session. Empty params reuse the last config.
func (c *UDSClient) SessionStart(ctx context.Context, params ConfigParams) (*session.Status, error) {
	return c.status(ctx, "session_start", params)
}

// SessionStop stops the session and waits for it to end.
func (c *UDSClient) SessionStop(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, "session_stop", nil)
}

// SessionRestart restarts with params, or the last config when empty.
func (c *UDSClient) SessionRestart(ctx context.Context, params ConfigParams) (*session.Status, error) {
	return c.status(ctx, "session_restart", params)
}

// SessionReset clears a failed session.
func (c *UDSClient) SessionReset(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, "session_reset", nil)
}

// SessionStatus returns the current session status.
func (c *UDSClient) SessionStatus(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, "session_status", nil)
}

// SessionLogs returns buffered log lines after since.
func (c *UDSClient) SessionLogs(ctx context.Context, since uint64, limit int) (*LogsResult, error) {
	var res LogsResult
	if err := c.Do(ctx, "session_logs", LogsParams{Since: since, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SessionHistory returns up to limit past sessions, newest first.
func (c *UDSClient) SessionHistory(ctx context.Context, limit int) ([]history.Record, error) {
	var res struct {
		Sessions []history.Record `json:"sessions"`
	}
	if err := c.Do(ctx, "session_history", HistoryParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

// ConfigValidate checks a tunnel config without starting it.
func (c *UDSClient) ConfigValidate(ctx context.Context, params ConfigParams) (*ValidateResult, error) {
	var res ValidateResult
	if err := c.Do(ctx, "config_validate", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// NetDetectResult is the result of net_detect.
type NetDetectResult struct {
	Interfaces []netdetect.Interface `json:"interfaces"`
	Detected   *netdetect.Result     `json:"detected,omitempty"`
	Warning    string                `json:"warning,omitempty"`
}

// NetDetect lists interfaces and the detected outbound route.
func (c *UDSClient) NetDetect(ctx context.Context) (*NetDetectResult, error) {
	var res NetDetectResult
	if err := c.Do(ctx, "net_detect", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ConfigReload asks the daemon to re-read its config file. It returns the
// changed keys that need a daemon restart.
func (c *UDSClient) ConfigReload(ctx context.Context) ([]string, error) {
	var res struct {
		RequiresRestart []string `json:"requires_restart"`
	}
	if err := c.Do(ctx, "config_reload", nil, &res); err != nil {
		return nil, err
	}
	return res.RequiresRestart, nil
}

// DaemonStatus returns daemon version, uptime and session state.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*DaemonStatus, error) {
	var res DaemonStatus
	if err := c.Do(ctx, "daemon_status", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DaemonShutdown asks the daemon to stop the session and exit.
func (c *UDSClient) DaemonShutdown(ctx context.Context) error {
	return c.Do(ctx, "daemon_shutdown", nil, nil)
}

// Ping checks that the daemon is alive.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}

// Close is a no-op; every call uses its own connection.
func (c *UDSClient) Close() error { return nil }
