package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paqetui/paqetd/internal/history"
	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/session"
	"github.com/paqetui/paqetd/internal/tunnel"
)

type fakeSession struct {
	mu       sync.Mutex
	state    session.State
	last     *tunnel.Config
	startErr error
	logs     []logbuf.Event

	states chan session.StateChange
	lines  chan logbuf.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  session.StateIdle,
		states: make(chan session.StateChange, 4),
		lines:  make(chan logbuf.Event, 4),
	}
}

func (f *fakeSession) Start(_ context.Context, cfg *tunnel.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if cfg == nil {
		cfg = f.last
	}
	if cfg == nil {
		return session.ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.last = cfg
	f.state = session.StateStarting
	return nil
}

func (f *fakeSession) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.StateIdle
	return nil
}

func (f *fakeSession) Restart(ctx context.Context, cfg *tunnel.Config) error {
	_ = f.Stop(ctx)
	return f.Start(ctx, cfg)
}

func (f *fakeSession) Reset(context.Context) error { return nil }

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state}
}

func (f *fakeSession) Logs(since uint64, limit int) []logbuf.Event {
	var out []logbuf.Event
	for _, ev := range f.logs {
		if ev.Seq > since && (limit <= 0 || len(out) < limit) {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeSession) LastConfig() *tunnel.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last.Clone()
}

func (f *fakeSession) Subscribe(int) (<-chan session.StateChange, func()) {
	return f.states, func() {}
}

func (f *fakeSession) SubscribeLogs(int) (<-chan logbuf.Event, func()) {
	return f.lines, func() {}
}

type memStore struct {
	history.Store
	recs []history.Record
}

func (m *memStore) Get(_ context.Context, id string) (*history.Record, error) {
	for i := range m.recs {
		if m.recs[i].ID == id {
			return &m.recs[i], nil
		}
	}
	return nil, history.ErrNotFound
}

func (m *memStore) List(_ context.Context, limit int) ([]history.Record, error) {
	if limit > 0 && limit < len(m.recs) {
		return m.recs[:limit], nil
	}
	return m.recs, nil
}

func validClient() *tunnel.Config {
	c := tunnel.Default(tunnel.RoleClient)
	c.Network.Interface = "eth0"
	c.Network.GUID = "{8E2B5A3C-1F4D-4E6A-9B7C-0D1E2F3A4B5C}"
	c.Network.IPv4.Addr = "192.168.1.20:0"
	c.Network.IPv4.RouterMAC = "aa:bb:cc:dd:ee:ff"
	c.Transport.KCP.Key = "0123456789abcdef0123456789abcdef"
	c.Server = &tunnel.Endpoint{Addr: "203.0.113.7:9999"}
	return c
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func startBody(t *testing.T, cfg *tunnel.Config) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"config": cfg})
	require.NoError(t, err)
	return string(data)
}

func TestHealthCheck(t *testing.T) {
	s := NewServer(Options{Session: newFakeSession()})
	w := do(t, s.Handler(), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestSessionLifecycle(t *testing.T) {
	fs := newFakeSession()
	h := NewServer(Options{Session: fs}).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/session/start", startBody(t, validClient()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st session.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StateStarting, st.State)

	w = do(t, h, http.MethodGet, "/api/v1/status", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StateStarting, st.State)

	w = do(t, h, http.MethodPost, "/api/v1/session/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StateIdle, st.State)

	// An empty body restarts with the last config.
	w = do(t, h, http.MethodPost, "/api/v1/session/restart", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StateStarting, st.State)

	w = do(t, h, http.MethodPost, "/api/v1/session/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionStartErrors(t *testing.T) {
	bad := validClient()
	bad.Transport.KCP.Key = ""

	tests := []struct {
		name     string
		startErr error
		body     string
		status   int
		problems bool
	}{
		{"invalid config", nil, startBody(t, bad), http.StatusUnprocessableEntity, true},
		{"no config", nil, "", http.StatusUnprocessableEntity, false},
		{"already running", session.ErrAlreadyRunning, startBody(t, validClient()), http.StatusConflict, false},
		{"launch failed", session.ErrLaunchFailed, startBody(t, validClient()), http.StatusInternalServerError, false},
		{"malformed body", nil, "{nope", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSession()
			fs.startErr = tt.startErr
			w := do(t, NewServer(Options{Session: fs}).Handler(), http.MethodPost, "/api/v1/session/start", tt.body)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			if tt.problems {
				assert.NotEmpty(t, body.Problems)
			}
		})
	}
}

func TestGetLogs(t *testing.T) {
	fs := newFakeSession()
	fs.logs = []logbuf.Event{
		{Seq: 1, Stream: logbuf.Stdout, Line: "one"},
		{Seq: 2, Stream: logbuf.Stderr, Line: "two"},
		{Seq: 3, Stream: logbuf.Stdout, Line: "three"},
	}
	h := NewServer(Options{Session: fs}).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/logs?since=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Events  []logbuf.Event `json:"events"`
		LastSeq uint64         `json:"last_seq"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "two", res.Events[0].Line)
	assert.Equal(t, uint64(2), res.LastSeq)

	w = do(t, h, http.MethodGet, "/api/v1/logs?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistory(t *testing.T) {
	store := &memStore{recs: []history.Record{
		{ID: "b", Role: "client", StartedAt: time.Now()},
		{ID: "a", Role: "server", StartedAt: time.Now().Add(-time.Hour)},
	}}
	h := NewServer(Options{Session: newFakeSession(), History: store}).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/history?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []history.Record `json:"sessions"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "b", list.Sessions[0].ID)

	w = do(t, h, http.MethodGet, "/api/v1/history/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec history.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "server", rec.Role)

	w = do(t, h, http.MethodGet, "/api/v1/history/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateConfig(t *testing.T) {
	h := NewServer(Options{Session: newFakeSession()}).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/config/validate", startBody(t, validClient()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Valid bool     `json:"valid"`
		Args  []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Args)
	assert.NotContains(t, w.Body.String(), "0123456789abcdef0123456789abcdef")

	bad := validClient()
	bad.Server = nil
	w = do(t, h, http.MethodPost, "/api/v1/config/validate", startBody(t, bad))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Valid)
}

func TestInterfacesWithoutDetector(t *testing.T) {
	h := NewServer(Options{Session: newFakeSession()}).Handler()
	w := do(t, h, http.MethodGet, "/api/v1/interfaces", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGenerateKey(t *testing.T) {
	h := NewServer(Options{Session: newFakeSession()}).Handler()
	w := do(t, h, http.MethodPost, "/api/v1/keygen", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Key, 2*tunnel.KeySize)
}

func TestStreamEvents(t *testing.T) {
	fs := newFakeSession()
	srv := NewServer(Options{Session: fs, Heartbeat: time.Hour})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	fs.states <- session.StateChange{From: session.StateIdle, To: session.StateStarting, SessionID: "s1"}
	fs.lines <- logbuf.Event{Seq: 1, Stream: logbuf.Stdout, Line: "hello"}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(events) < 3 {
		if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
			events = append(events, name)
		}
	}
	require.Len(t, events, 3)
	assert.Equal(t, "status", events[0])
	assert.ElementsMatch(t, []string{"state", "log"}, events[1:])

	// Stop ends the open stream.
	require.NoError(t, srv.Stop(context.Background()))
	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after Stop")
	}
}
