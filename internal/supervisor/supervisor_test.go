package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/testutil/fakeproxy"
	"github.com/paqetui/paqetd/internal/tunnel"
)

func TestMain(m *testing.M) {
	fakeproxy.MaybeRun()
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T, mode string, tweak func(*Options)) *Supervisor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process group signalling is unix-only")
	}
	opts := Options{
		Binary:       os.Args[0],
		RuntimeDir:   t.TempDir(),
		StopTimeout:  500 * time.Millisecond,
		StartupGrace: 100 * time.Millisecond,
		Env:          fakeproxy.Env(mode),
	}
	if tweak != nil {
		tweak(&opts)
	}
	return New(opts)
}

func waitDone(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		t.Fatalf("process %d not reaped within %s", h.PID(), d)
	}
}

func drain(q *logbuf.Queue) []logbuf.Event {
	var all []logbuf.Event
	for {
		batch, ok := q.Pop()
		if !ok {
			return all
		}
		all = append(all, batch...)
	}
}

func TestStartRunningStop(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeRun, nil)
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)
	assert.FileExists(t, h.ConfigPath())

	select {
	case <-h.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("process never became ready")
	}
	assert.Equal(t, StateRunning, s.Status(h))

	require.NoError(t, s.Stop(h))
	assert.Equal(t, StateIdle, s.Status(h))

	exit, ok := h.Exit()
	require.True(t, ok)
	assert.Equal(t, 0, exit.Code)
	assert.NoFileExists(t, h.ConfigPath())

	var lines []string
	for _, ev := range drain(h.Events()) {
		lines = append(lines, ev.Line)
	}
	assert.Contains(t, lines, "tunnel established")
	assert.Contains(t, lines, "shutting down")
}

func TestStartStatusStartingDuringGrace(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeRun, func(o *Options) { o.StartupGrace = time.Hour })
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)
	defer s.Stop(h)
	assert.Equal(t, StateStarting, s.Status(h))
}

func TestStopEscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeIgnoreTerm, func(o *Options) { o.StopTimeout = 200 * time.Millisecond })
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)
	<-h.Ready()

	begin := time.Now()
	require.NoError(t, s.Stop(h))
	assert.GreaterOrEqual(t, time.Since(begin), 200*time.Millisecond)
	assert.True(t, h.escalated.Load())

	exit, _ := h.Exit()
	assert.Equal(t, "SIGKILL", exit.Signal)
	assert.Equal(t, StateIdle, s.Status(h))
}

func TestStopKillsDescendantsOutsideGroup(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeDetach, func(o *Options) { o.StopTimeout = 200 * time.Millisecond })
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)

	childPID := make(chan int, 1)
	go func() {
		for {
			batch, ok := h.Events().Pop()
			if !ok {
				return
			}
			for _, ev := range batch {
				if rest, found := strings.CutPrefix(ev.Line, fakeproxy.DetachedPrefix); found {
					if pid, err := strconv.Atoi(rest); err == nil {
						childPID <- pid
					}
				}
			}
		}
	}()

	var child int
	select {
	case child = <-childPID:
	case <-time.After(5 * time.Second):
		t.Fatal("detached child never reported its pid")
	}

	require.NoError(t, s.Stop(h))
	waitDone(t, h, 5*time.Second)
	assert.True(t, h.escalated.Load())
	assert.Eventually(t, func() bool { return !alive(child) }, 5*time.Second, 20*time.Millisecond,
		"detached child %d survived Stop", child)
}

// alive reports whether pid names a process that has not exited.
func alive(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	return !slices.Contains(status, process.Zombie)
}

func TestStopIdempotentAndConcurrent(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeRun, nil)
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- s.Stop(h) }()
	}
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-errs)
	}
	assert.NoError(t, s.Stop(h))
	assert.Equal(t, StateIdle, s.Status(h))
}

func TestCrashIsFailed(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeCrash, nil)
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	assert.Equal(t, StateFailed, s.Status(h))
	exit, ok := h.Exit()
	require.True(t, ok)
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "exit code 3", exit.Reason())

	// Stop after a crash does not turn it into a requested stop.
	require.NoError(t, s.Stop(h))
	assert.Equal(t, StateFailed, s.Status(h))

	var errorsSeen int
	for _, ev := range drain(h.Events()) {
		if ev.Level == logbuf.LevelError {
			errorsSeen++
		}
	}
	assert.Positive(t, errorsSeen)
}

func TestExitBeforeReadyNeverReady(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeExit, func(o *Options) { o.StartupGrace = time.Second })
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	select {
	case <-h.Ready():
		t.Fatal("ready closed for a process that exited during grace")
	default:
	}
	assert.Equal(t, StateFailed, s.Status(h))
}

func TestFloodDropsOldest(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeFlood, func(o *Options) { o.QueueSize = 16 })
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)

	// Nobody consumes; the child must still be able to write everything.
	require.Eventually(t, func() bool {
		return h.Dropped() >= fakeproxy.FloodLines-16
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(h))
	evs := drain(h.Events())
	assert.LessOrEqual(t, len(evs), 16)
	assert.Equal(t, "shutting down", evs[len(evs)-1].Line)
}

func TestStartInvalidConfig(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeRun, nil)
	cfg := fakeproxy.Config()
	cfg.Transport.KCP.MTU = 5

	h, err := s.Start(context.Background(), cfg)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, tunnel.ErrConfigInvalid)

	entries, _ := os.ReadDir(s.Options().RuntimeDir)
	assert.Empty(t, entries)
}

func TestStartMissingBinary(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeRun, func(o *Options) {
		o.Binary = filepath.Join(t.TempDir(), "no-such-paqet")
	})
	h, err := s.Start(context.Background(), fakeproxy.Config())
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStartPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}
	bin := filepath.Join(t.TempDir(), "paqet")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o644))

	s := newTestSupervisor(t, fakeproxy.ModeRun, func(o *Options) { o.Binary = bin })
	_, err := s.Start(context.Background(), fakeproxy.Config())
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestResolveBinaryBareNameNotFound(t *testing.T) {
	_, err := ResolveBinary("paqet-definitely-not-installed")
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, le.Binary, "paqet-definitely-not-installed")
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func TestResolveBinaryFromPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "paqet-test-bin")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", dir)

	got, err := ResolveBinary("paqet-test-bin")
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}

func TestStatsOfRunningProcess(t *testing.T) {
	s := newTestSupervisor(t, fakeproxy.ModeRun, nil)
	h, err := s.Start(context.Background(), fakeproxy.Config())
	require.NoError(t, err)
	defer s.Stop(h)

	st, err := s.Stats(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, int32(h.PID()), st.PID)
	assert.Positive(t, st.RSSBytes)

	require.NoError(t, s.Stop(h))
	_, err = s.Stats(context.Background(), h)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestExitReason(t *testing.T) {
	assert.Equal(t, "killed by signal SIGTERM", ExitInfo{Code: -1, Signal: "SIGTERM"}.Reason())
	assert.Equal(t, "boom", ExitInfo{Err: "boom"}.Reason())
	assert.Equal(t, "exit code 0", ExitInfo{}.Reason())
}
