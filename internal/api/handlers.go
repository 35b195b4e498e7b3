package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// httpStatus maps a JSON-RPC error code to its HTTP status.
func httpStatus(code int) int {
	switch code {
	case command.ErrCodeConfigInvalid:
		return http.StatusUnprocessableEntity
	case command.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case command.ErrCodeNotFound:
		return http.StatusNotFound
	case command.ErrCodeInvalidParams, command.ErrCodeParseError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Error    string   `json:"error"`
	Code     int      `json:"code"`
	Problems []string `json:"problems,omitempty"`
}

func writeError(c *gin.Context, info *command.ErrorInfo) {
	body := errorBody{Error: info.Message, Code: info.Code}
	if data, ok := info.Data.(map[string]any); ok {
		if p, ok := data["problems"].([]string); ok {
			body.Problems = p
		}
	}
	c.JSON(httpStatus(info.Code), body)
}

// dispatch runs method on the command handler and writes the result.
func (s *Server) dispatch(c *gin.Context, method string, params json.RawMessage) {
	resp := s.cmds.Handle(c.Request.Context(), command.Command{
		Method: method,
		Params: params,
		ID:     "http",
	})
	if resp.Error != nil {
		writeError(c, resp.Error)
		return
	}
	c.JSON(http.StatusOK, resp.Result)
}

// configParams reads the request body as session config params. An empty
// body means the last config. Config files are not read on behalf of HTTP
// clients, so the path form is refused.
func configParams(c *gin.Context) (json.RawMessage, bool) {
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	var p command.ConfigParams
	if err := c.ShouldBindJSON(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, true
		}
		writeError(c, &command.ErrorInfo{Code: command.ErrCodeParseError, Message: "request body is not valid JSON"})
		return nil, false
	}
	if p.Path != "" {
		writeError(c, &command.ErrorInfo{
			Code:    command.ErrCodeInvalidParams,
			Message: "path is not accepted over HTTP, send config or settings",
		})
		return nil, false
	}
	return mustJSON(p), true
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Session.Status())
}

func (s *Server) startSession(c *gin.Context) {
	if params, ok := configParams(c); ok {
		s.dispatch(c, "session_start", params)
	}
}

func (s *Server) stopSession(c *gin.Context) {
	s.dispatch(c, "session_stop", nil)
}

func (s *Server) restartSession(c *gin.Context) {
	if params, ok := configParams(c); ok {
		s.dispatch(c, "session_restart", params)
	}
}

func (s *Server) resetSession(c *gin.Context) {
	s.dispatch(c, "session_reset", nil)
}

type logsQuery struct {
	Since uint64 `form:"since"`
	Limit int    `form:"limit"`
}

// getLogs returns buffered lines with seq > since.
func (s *Server) getLogs(c *gin.Context) {
	var q logsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, &command.ErrorInfo{Code: command.ErrCodeInvalidParams, Message: err.Error()})
		return
	}
	s.dispatch(c, "session_logs", mustJSON(command.LogsParams{Since: q.Since, Limit: q.Limit}))
}

type historyQuery struct {
	Limit int `form:"limit"`
}

func (s *Server) getHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, &command.ErrorInfo{Code: command.ErrCodeInvalidParams, Message: err.Error()})
		return
	}
	s.dispatch(c, "session_history", mustJSON(command.HistoryParams{Limit: q.Limit}))
}

func (s *Server) getHistoryRecord(c *gin.Context) {
	s.dispatch(c, "session_history", mustJSON(command.HistoryParams{ID: c.Param("id")}))
}

func (s *Server) getInterfaces(c *gin.Context) {
	s.dispatch(c, "net_detect", nil)
}

func (s *Server) validateConfig(c *gin.Context) {
	if params, ok := configParams(c); ok {
		s.dispatch(c, "config_validate", params)
	}
}

func (s *Server) generateKey(c *gin.Context) {
	key, err := tunnel.GenerateKey()
	if err != nil {
		writeError(c, command.ErrorFor(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "paqetd",
		"time":    time.Now().Unix(),
	})
}

// streamEvents sends a "status" event, then "state" and "log" events as
// they happen. A heartbeat comment keeps idle connections open.
func (s *Server) streamEvents(c *gin.Context) {
	states, unsubStates := s.opts.Session.Subscribe(s.opts.EventBuffer)
	defer unsubStates()
	logs, unsubLogs := s.opts.Session.SubscribeLogs(s.opts.EventBuffer)
	defer unsubLogs()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", s.opts.Session.Status())
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		case ch, ok := <-states:
			if !ok {
				return false
			}
			c.SSEvent("state", ch)
		case ev, ok := <-logs:
			if !ok {
				return false
			}
			c.SSEvent("log", ev)
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		}
		return true
	})
}
