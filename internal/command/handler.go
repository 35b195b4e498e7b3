// Package command implements the local control plane: JSON-RPC 2.0 over a
// Unix domain socket.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/paqetui/paqetd/internal/history"
	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/session"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// Version is reported by daemon_status. Overridden at link time.
var Version = "0.1.0"

// Session is the session control surface used by the control planes.
// *session.Controller implements it.
type Session interface {
	Start(ctx context.Context, cfg *tunnel.Config) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, cfg *tunnel.Config) error
	Reset(ctx context.Context) error
	Status() session.Status
	Logs(since uint64, limit int) []logbuf.Event
	LastConfig() *tunnel.Config
}

// ConfigReloader is the interface for reloading the daemon configuration.
// It returns the changed keys that only take effect after a restart.
type ConfigReloader interface {
	Reload() (requiresRestart []string, err error)
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	session        Session
	history        history.Store
	detector       Detector
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
}

// NewCommandHandler creates a new command handler. history and detector may be nil.
func NewCommandHandler(s Session, store history.Store, det Detector, reloader ConfigReloader) *CommandHandler {
	if store == nil {
		store = history.Noop()
	}
	return &CommandHandler{
		session:        s,
		history:        store,
		detector:       det,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeConfigInvalid  = -32001 // Tunnel config rejected
	ErrCodeLaunchFailed   = -32002 // Proxy could not be executed
	ErrCodeAlreadyRunning = -32003 // A session is active
	ErrCodeNotFound       = -32004 // Unknown history record
)

// readOnly methods are logged at debug level; UIs poll them.
var readOnly = map[string]bool{
	"session_status":  true,
	"session_logs":    true,
	"session_history": true,
	"daemon_status":   true,
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	if readOnly[cmd.Method] {
		slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)
	} else {
		slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)
	}

	switch cmd.Method {
	case "session_start":
		return h.handleSessionStart(ctx, cmd)
	case "session_stop":
		return h.handleSessionStop(ctx, cmd)
	case "session_restart":
		return h.handleSessionRestart(ctx, cmd)
	case "session_reset":
		return h.handleSessionReset(ctx, cmd)
	case "session_status":
		return Response{ID: cmd.ID, Result: h.session.Status()}
	case "session_logs":
		return h.handleSessionLogs(ctx, cmd)
	case "session_history":
		return h.handleSessionHistory(ctx, cmd)
	case "config_validate":
		return h.handleConfigValidate(ctx, cmd)
	case "net_detect":
		return h.handleNetDetect(ctx, cmd)
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", cmd.Method),
			},
		}
	}
}

// ErrorFor maps a session error to its JSON-RPC error.
func ErrorFor(err error) *ErrorInfo {
	info := &ErrorInfo{Code: ErrCodeInternalError, Message: err.Error()}
	switch {
	case errors.Is(err, session.ErrConfigInvalid):
		info.Code = ErrCodeConfigInvalid
		var ve *tunnel.ValidationError
		if errors.As(err, &ve) {
			info.Data = map[string]any{"problems": ve.Problems}
		}
	case errors.Is(err, session.ErrLaunchFailed):
		info.Code = ErrCodeLaunchFailed
	case errors.Is(err, session.ErrAlreadyRunning):
		info.Code = ErrCodeAlreadyRunning
	case errors.Is(err, history.ErrNotFound):
		info.Code = ErrCodeNotFound
	}
	return info
}

func failed(cmd Command, err error) Response {
	return Response{ID: cmd.ID, Error: ErrorFor(err)}
}

func invalidParams(cmd Command, err error) Response {
	return Response{
		ID: cmd.ID,
		Error: &ErrorInfo{
			Code:    ErrCodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		},
	}
}

// decode unmarshals optional params into v.
func decode(cmd Command, v any) error {
	if len(cmd.Params) == 0 || string(cmd.Params) == "null" {
		return nil
	}
	return json.Unmarshal(cmd.Params, v)
}

func (h *CommandHandler) resolve(ctx context.Context, cmd Command) (*tunnel.Config, *Response) {
	var params ConfigParams
	if err := decode(cmd, &params); err != nil {
		resp := invalidParams(cmd, err)
		return nil, &resp
	}
	cfg, err := params.Resolve(ctx, h.detector)
	if err != nil {
		resp := failed(cmd, err)
		return nil, &resp
	}
	return cfg, nil
}

// handleSessionStart starts a session from the given config, or the last one.
func (h *CommandHandler) handleSessionStart(ctx context.Context, cmd Command) Response {
	cfg, errResp := h.resolve(ctx, cmd)
	if errResp != nil {
		return *errResp
	}
	if err := h.session.Start(ctx, cfg); err != nil {
		return failed(cmd, err)
	}
	return Response{ID: cmd.ID, Result: h.session.Status()}
}

// handleSessionStop stops the session; it succeeds when nothing is running.
func (h *CommandHandler) handleSessionStop(ctx context.Context, cmd Command) Response {
	if err := h.session.Stop(ctx); err != nil {
		return failed(cmd, err)
	}
	return Response{ID: cmd.ID, Result: h.session.Status()}
}

func (h *CommandHandler) handleSessionRestart(ctx context.Context, cmd Command) Response {
	cfg, errResp := h.resolve(ctx, cmd)
	if errResp != nil {
		return *errResp
	}
	if err := h.session.Restart(ctx, cfg); err != nil {
		return failed(cmd, err)
	}
	return Response{ID: cmd.ID, Result: h.session.Status()}
}

func (h *CommandHandler) handleSessionReset(ctx context.Context, cmd Command) Response {
	if err := h.session.Reset(ctx); err != nil {
		return failed(cmd, err)
	}
	return Response{ID: cmd.ID, Result: h.session.Status()}
}

// LogsResult is the result of session_logs.
type LogsResult struct {
	Events  []logbuf.Event `json:"events"`
	LastSeq uint64         `json:"last_seq"`
}

func (h *CommandHandler) handleSessionLogs(_ context.Context, cmd Command) Response {
	var params LogsParams
	if err := decode(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	events := h.session.Logs(params.Since, params.Limit)
	if events == nil {
		events = []logbuf.Event{}
	}
	last := params.Since
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	return Response{ID: cmd.ID, Result: LogsResult{Events: events, LastSeq: last}}
}

func (h *CommandHandler) handleSessionHistory(ctx context.Context, cmd Command) Response {
	var params HistoryParams
	if err := decode(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	if params.ID != "" {
		rec, err := h.history.Get(ctx, params.ID)
		if err != nil {
			return failed(cmd, err)
		}
		return Response{ID: cmd.ID, Result: rec}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	recs, err := h.history.List(ctx, limit)
	if err != nil {
		return failed(cmd, err)
	}
	if recs == nil {
		recs = []history.Record{}
	}
	return Response{ID: cmd.ID, Result: map[string]any{"sessions": recs, "count": len(recs)}}
}

// ValidateResult is the result of config_validate. An invalid config is a
// successful call with Valid false.
type ValidateResult struct {
	Valid    bool           `json:"valid"`
	Problems []string       `json:"problems,omitempty"`
	Config   *tunnel.Config `json:"config,omitempty"` // resolved, key redacted
	Args     []string       `json:"args,omitempty"`   // flag form of Config
}

func (h *CommandHandler) handleConfigValidate(ctx context.Context, cmd Command) Response {
	cfg, errResp := h.resolve(ctx, cmd)
	if errResp != nil {
		return *errResp
	}
	if cfg == nil {
		cfg = h.session.LastConfig()
	}
	if cfg == nil {
		return failed(cmd, session.ErrNoConfig)
	}

	res := ValidateResult{Valid: true, Config: cfg.Redacted()}
	if err := cfg.Validate(); err != nil {
		var ve *tunnel.ValidationError
		if !errors.As(err, &ve) {
			return failed(cmd, err)
		}
		res.Valid = false
		res.Problems = ve.Problems
		return Response{ID: cmd.ID, Result: res}
	}
	res.Args = cfg.Redacted().FlagArgs()
	return Response{ID: cmd.ID, Result: res}
}

func (h *CommandHandler) handleNetDetect(ctx context.Context, cmd Command) Response {
	if h.detector == nil {
		return Response{
			ID:    cmd.ID,
			Error: &ErrorInfo{Code: ErrCodeInternalError, Message: "network detection not available"},
		}
	}
	ifaces, err := h.detector.Interfaces(ctx)
	if err != nil {
		return failed(cmd, err)
	}
	result := NetDetectResult{Interfaces: ifaces}
	det, err := h.detector.Detect(ctx)
	result.Detected = det
	if err != nil {
		result.Warning = err.Error()
	}
	return Response{ID: cmd.ID, Result: result}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "config reloader not available",
			},
		}
	}

	cold, err := h.configReloader.Reload()
	if err != nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: fmt.Sprintf("reload config failed: %v", err),
			},
		}
	}

	if cold == nil {
		cold = []string{}
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"status":           "reloaded",
			"requires_restart": cold,
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "shutdown handler not registered",
			},
		}
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"status": "shutting_down",
		},
	}
}

// DaemonStatus is the result of daemon_status.
type DaemonStatus struct {
	Version       string        `json:"version"`
	PID           int           `json:"pid"`
	UptimeSeconds int64         `json:"uptime_sec"`
	Session       session.State `json:"session_state"`
	SessionID     string        `json:"session_id,omitempty"`
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	st := h.session.Status()
	return Response{
		ID: cmd.ID,
		Result: DaemonStatus{
			Version:       Version,
			PID:           os.Getpid(),
			UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
			Session:       st.State,
			SessionID:     st.SessionID,
		},
	}
}
