// Package supervisor launches the paqet proxy as a child process, streams its
// output and stops it with escalation.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	logpkg "github.com/paqetui/paqetd/internal/log"
	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/metrics"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// Defaults for Options fields left zero.
const (
	DefaultStopTimeout  = 2 * time.Second
	DefaultStartupGrace = 1500 * time.Millisecond
	DefaultQueueSize    = 1024
	maxLineBytes        = 64 * 1024
)

// Options configures a Supervisor.
type Options struct {
	// Binary is the proxy executable, as a path or a bare name to look up.
	Binary string
	// Sudo runs the proxy through `sudo -n` on unix systems.
	Sudo bool
	// RuntimeDir receives the rendered tunnel files. Defaults to the OS temp dir.
	RuntimeDir string
	// KeepConfig leaves rendered tunnel files in place after exit.
	KeepConfig bool
	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration
	// StartupGrace is how long a process must stay up to count as running.
	StartupGrace time.Duration
	// QueueSize bounds the number of unconsumed output lines per process.
	QueueSize int
	// Env is appended to the inherited environment.
	Env []string
}

// Supervisor launches and stops proxy processes. It keeps no per-process
// state of its own; everything lives on the Handle.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Supervisor, filling defaults.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = DefaultStartupGrace
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = filepath.Join(os.TempDir(), "paqetd")
	}
	return &Supervisor{
		opts:   opts,
		logger: logpkg.Component("supervisor"),
	}
}

// Options returns the effective options.
func (s *Supervisor) Options() Options { return s.opts }

// Start validates cfg, renders it to the runtime directory and launches the
// proxy. On error nothing is left running.
func (s *Supervisor) Start(ctx context.Context, cfg *tunnel.Config) (*Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no tunnel configuration", tunnel.ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bin, err := ResolveBinary(s.opts.Binary)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	cfgPath := filepath.Join(s.opts.RuntimeDir, "tunnel-"+id+".yaml")
	if err := tunnel.Save(cfg, cfgPath); err != nil {
		return nil, &LaunchError{Binary: bin, Err: fmt.Errorf("render tunnel config: %w", err)}
	}

	name, argv := bin, tunnel.Args(cfgPath)
	if s.opts.Sudo && runtime.GOOS != "windows" {
		sudo, err := exec.LookPath("sudo")
		if err != nil {
			s.removeConfig(cfgPath)
			return nil, &LaunchError{Binary: "sudo", Err: err}
		}
		name, argv = sudo, append([]string{"-n", bin}, argv...)
	}

	cmd := exec.Command(name, argv...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.removeConfig(cfgPath)
		return nil, &LaunchError{Binary: bin, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.removeConfig(cfgPath)
		return nil, &LaunchError{Binary: bin, Err: err}
	}

	if err := cmd.Start(); err != nil {
		s.removeConfig(cfgPath)
		return nil, &LaunchError{Binary: bin, Err: err}
	}

	h := &Handle{
		id:         id,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		configPath: cfgPath,
		binary:     name,
		argv:       argv,
		cmd:        cmd,
		events:     logbuf.NewQueue(s.opts.QueueSize),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.logger.Info("proxy started",
		"session", id, "pid", h.pid, "binary", bin, "config", cfgPath, "sudo", s.opts.Sudo)

	g := new(errgroup.Group)
	g.Go(func() error { return pump(stdout, logbuf.Stdout, h.events) })
	g.Go(func() error { return pump(stderr, logbuf.Stderr, h.events) })

	go s.reap(h, g)
	go s.watchStartup(h)

	return h, nil
}

// Stop terminates the process group with SIGTERM, escalates to SIGKILL after
// the stop timeout and waits until the process is reaped. Calling it again, or
// after the process exited on its own, is a no-op that still waits.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		if h.isDone() {
			return
		}
		h.stopRequested.Store(true)
		go s.terminate(h)
	})
	<-h.done
	return nil
}

// Status derives the lifecycle state of h.
func (s *Supervisor) Status(h *Handle) State {
	if h == nil {
		return StateIdle
	}
	if h.isDone() {
		if h.stopRequested.Load() {
			return StateIdle
		}
		return StateFailed
	}
	switch {
	case h.stopRequested.Load():
		return StateStopping
	case h.isReady():
		return StateRunning
	default:
		return StateStarting
	}
}

func (s *Supervisor) terminate(h *Handle) {
	begin := time.Now()
	log := s.logger.With("session", h.id, "pid", h.pid)

	if err := terminate(h.cmd); err != nil {
		log.Warn("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		log.Warn("proxy did not exit in time, killing", "timeout", s.opts.StopTimeout)
		h.escalated.Store(true)
		stragglers := descendants(h.pid)
		if err := forceKill(h.cmd); err != nil {
			log.Error("failed to kill proxy", "error", err)
		}
		if err := killStragglers(stragglers, s.opts.Sudo); err != nil {
			log.Error("failed to kill proxy descendants", "error", err, "pids", stragglers)
		}
		<-h.done
	}

	metrics.StopDurationSeconds.
		WithLabelValues(strconv.FormatBool(h.escalated.Load())).
		Observe(time.Since(begin).Seconds())
}

// reap waits for both pumps to hit EOF, then for the process, and publishes
// the exit.
func (s *Supervisor) reap(h *Handle, g *errgroup.Group) {
	pumpErr := g.Wait()
	waitErr := h.cmd.Wait()

	info := ExitInfo{Code: -1, At: time.Now()}
	if ps := h.cmd.ProcessState; ps != nil {
		info.Code = ps.ExitCode()
		info.Signal = exitSignal(ps)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		info.Err = waitErr.Error()
	} else if pumpErr != nil {
		info.Err = "reading output: " + pumpErr.Error()
	}
	h.exit = info

	if !s.opts.KeepConfig {
		s.removeConfig(h.configPath)
	}

	kind := metrics.ExitCrashed
	if h.stopRequested.Load() {
		kind = metrics.ExitRequested
	}
	metrics.ProcessExitsTotal.WithLabelValues(kind).Inc()
	metrics.LogLinesDroppedTotal.Add(float64(h.events.Dropped()))

	s.logger.Info("proxy exited",
		"session", h.id, "pid", h.pid, "code", info.Code, "signal", info.Signal,
		"requested", h.stopRequested.Load(), "dropped_lines", h.events.Dropped())

	h.events.Close()
	close(h.done)
}

func (s *Supervisor) watchStartup(h *Handle) {
	timer := time.NewTimer(s.opts.StartupGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		close(h.ready)
	case <-h.done:
	}
}

func (s *Supervisor) removeConfig(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove rendered tunnel config", "path", path, "error", err)
	}
}

// pump splits r into lines and pushes them onto q. Overlong lines are split
// rather than aborting the read, so the child's pipe is always drained.
func pump(r io.Reader, stream logbuf.Stream, q *logbuf.Queue) error {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			line := string(bytes.TrimRight(chunk, "\r\n"))
			if len(bytes.TrimSpace(chunk)) > 0 {
				q.Push(logbuf.NewEvent(stream, line))
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return fmt.Errorf("%s: %w", stream, err)
		}
	}
}
