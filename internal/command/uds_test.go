package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/session"
)

// startServer runs a UDS server on a temp socket until the test ends.
func startServer(t *testing.T, h *CommandHandler) (string, <-chan error, context.CancelFunc) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "paqetd.sock")
	server := NewUDSServer(socketPath, h)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()
	t.Cleanup(cancel)
	return socketPath, errCh, cancel
}

func TestUDSServerClient_Integration(t *testing.T) {
	s := &fakeSession{logs: []logbuf.Event{{Seq: 1, Stream: logbuf.Stdout, Line: "hello"}}}
	socketPath, errCh, cancel := startServer(t, NewCommandHandler(s, nil, nil, nil))

	client := NewUDSClient(socketPath, 5*time.Second)

	t.Run("session_start", func(t *testing.T) {
		st, err := client.SessionStart(context.Background(), ConfigParams{Config: validClient()})
		if err != nil {
			t.Fatalf("SessionStart failed: %v", err)
		}
		if st.State != session.StateStarting {
			t.Errorf("state = %s, want starting", st.State)
		}
	})

	t.Run("session_status", func(t *testing.T) {
		st, err := client.SessionStatus(context.Background())
		if err != nil {
			t.Fatalf("SessionStatus failed: %v", err)
		}
		if st.State != session.StateStarting {
			t.Errorf("state = %s, want starting", st.State)
		}
	})

	t.Run("session_logs", func(t *testing.T) {
		res, err := client.SessionLogs(context.Background(), 0, 10)
		if err != nil {
			t.Fatalf("SessionLogs failed: %v", err)
		}
		if len(res.Events) != 1 || res.Events[0].Line != "hello" || res.LastSeq != 1 {
			t.Errorf("unexpected logs %+v", res)
		}
	})

	t.Run("session_start_invalid", func(t *testing.T) {
		s.mu.Lock()
		s.startErr = session.ErrAlreadyRunning
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.startErr = nil
			s.mu.Unlock()
		}()

		_, err := client.SessionStart(context.Background(), ConfigParams{Config: validClient()})
		var info *ErrorInfo
		if !errors.As(err, &info) {
			t.Fatalf("expected *ErrorInfo, got %v", err)
		}
		if info.Code != ErrCodeAlreadyRunning {
			t.Errorf("error code = %d, want %d", info.Code, ErrCodeAlreadyRunning)
		}
	})

	t.Run("session_stop", func(t *testing.T) {
		st, err := client.SessionStop(context.Background())
		if err != nil {
			t.Fatalf("SessionStop failed: %v", err)
		}
		if st.State != session.StateIdle {
			t.Errorf("state = %s, want idle", st.State)
		}
	})

	t.Run("config_validate", func(t *testing.T) {
		res, err := client.ConfigValidate(context.Background(), ConfigParams{Config: validClient()})
		if err != nil {
			t.Fatalf("ConfigValidate failed: %v", err)
		}
		if !res.Valid {
			t.Errorf("expected valid, got problems %v", res.Problems)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := client.Ping(context.Background()); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(context.Background(), "unknown.method", nil)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("expected error for unknown method")
		}
		if resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
		}
	})

	// Stop server
	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop in time")
	}

	// Verify socket file is removed
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not removed after server stop")
	}
}

func TestUDSServer_MalformedRequests(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(&fakeSession{}, nil, nil, nil))

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)

	tests := []struct {
		line string
		code int
	}{
		{"{not json\n", ErrCodeParseError},
		{`{"jsonrpc":"1.0","method":"daemon_status","id":1}` + "\n", ErrCodeInvalidRequest},
		{`{"jsonrpc":"2.0","id":2}` + "\n", ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		if _, err := conn.Write([]byte(tt.line)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if !scanner.Scan() {
			t.Fatalf("no response to %q: %v", tt.line, scanner.Err())
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != tt.code {
			t.Errorf("%q: error = %+v, want code %d", tt.line, resp.Error, tt.code)
		}
	}
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "absent.sock"), 1*time.Second)

	if _, err := client.SessionStatus(context.Background()); err == nil {
		t.Error("expected connection error")
	}
}

func TestUDSClient_Timeout(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(&fakeSession{}, nil, nil, nil))

	// Create client with very short timeout
	client := NewUDSClient(socketPath, 1*time.Nanosecond)

	if _, err := client.DaemonStatus(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(&fakeSession{}, nil, nil, nil))

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := NewUDSClient(socketPath, 5*time.Second).SessionStatus(context.Background())
			errCh <- err
		}()
	}

	for i := 0; i < 5; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("client %d failed: %v", i, err)
		}
	}
}

func TestUDSClient_ConfigReload(t *testing.T) {
	reloader := &mockConfigReloader{reloadFunc: func() ([]string, error) { return []string{"metrics"}, nil }}
	socketPath, _, _ := startServer(t, NewCommandHandler(&fakeSession{}, nil, nil, reloader))

	cold, err := NewUDSClient(socketPath, 5*time.Second).ConfigReload(context.Background())
	if err != nil {
		t.Fatalf("ConfigReload failed: %v", err)
	}
	if len(cold) != 1 || cold[0] != "metrics" {
		t.Errorf("requires_restart = %v, want [metrics]", cold)
	}
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	client := NewUDSClient("/tmp/test.sock", 0)
	if client.timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", client.timeout)
	}

	client2 := NewUDSClient("/tmp/test.sock", 5*time.Second)
	if client2.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", client2.timeout)
	}
}
