// Package session drives a single tunnel session through its lifecycle.
//
// A Controller owns the session state on one goroutine. Requests from callers
// and notifications from the supervised process are both delivered to it as
// messages, so a user Stop and a crash can never interleave: whichever is
// processed first decides the outcome and the other becomes a no-op.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paqetui/paqetd/internal/eventbus"
	"github.com/paqetui/paqetd/internal/history"
	logpkg "github.com/paqetui/paqetd/internal/log"
	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/metrics"
	"github.com/paqetui/paqetd/internal/supervisor"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// Launcher starts and stops proxy processes.
type Launcher interface {
	Start(ctx context.Context, cfg *tunnel.Config) (*supervisor.Handle, error)
	Stop(h *supervisor.Handle) error
	Stats(ctx context.Context, h *supervisor.Handle) (*supervisor.ProcessStats, error)
}

// Transcript receives every output line, in sequence order.
type Transcript interface {
	Write(ev logbuf.Event)
}

// Options configures a Controller.
type Options struct {
	Launcher   Launcher
	History    history.Store // nil disables history
	Transcript Transcript    // nil disables the transcript
	RingSize   int
	// StatsInterval enables periodic resource sampling of the running proxy.
	StatsInterval time.Duration
}

// Controller is the single owner of the tunnel session.
type Controller struct {
	launcher      Launcher
	history       history.Store
	transcript    Transcript
	statsInterval time.Duration
	logger        *slog.Logger

	ring   *logbuf.Ring
	logMu  sync.Mutex
	states *eventbus.Bus[StateChange]
	logs   *eventbus.Bus[logbuf.Event]

	msgs      chan any
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	snap        atomic.Pointer[snapshot]
	droppedPrev atomic.Uint64
	procStats   atomic.Pointer[supervisor.ProcessStats]

	st actorState // owned by loop
}

type actorState struct {
	state     State
	sessionID string
	handle    *supervisor.Handle
	cfg       *tunnel.Config
	lastExit  *supervisor.ExitInfo
	lastErr   error
	waiters   []chan struct{}
	record    *history.Record
}

type (
	startMsg struct {
		ctx   context.Context
		cfg   *tunnel.Config
		reply chan error
	}
	stopMsg struct {
		reply chan (<-chan struct{})
	}
	resetMsg struct {
		reply chan error
	}
	readyMsg struct {
		id string
	}
	exitMsg struct {
		id      string
		exit    supervisor.ExitInfo
		dropped uint64
	}
)

// New creates a Controller in the idle state and starts its loop.
func New(opts Options) *Controller {
	if opts.History == nil {
		opts.History = history.Noop()
	}
	c := &Controller{
		launcher:      opts.Launcher,
		history:       opts.History,
		transcript:    opts.Transcript,
		statsInterval: opts.StatsInterval,
		logger:        logpkg.Component("session"),
		ring:          logbuf.NewRing(opts.RingSize),
		states:        eventbus.New[StateChange](),
		logs:          eventbus.New[logbuf.Event](),
		msgs:          make(chan any),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		st:            actorState{state: StateIdle},
	}
	metrics.SetSessionState(string(StateIdle), stateNames())
	c.publishSnapshot()
	go c.loop()
	return c
}

// Start launches a session with cfg, or with the last config if cfg is nil.
// It fails with ErrAlreadyRunning while a session is starting, running or
// stopping. Config and launch errors leave the state unchanged.
func (c *Controller) Start(ctx context.Context, cfg *tunnel.Config) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, startMsg{ctx: ctx, cfg: cfg, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Stop ends the active session and blocks until it is idle or ctx is done.
// Stop while idle or failed is a no-op. Concurrent calls share one stop.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan (<-chan struct{}), 1)
	if err := c.send(ctx, stopMsg{reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	done := <-reply
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the active session, if any, and starts cfg, or the last config
// if cfg is nil. cfg is validated first so a bad config never takes down a
// working session.
func (c *Controller) Restart(ctx context.Context, cfg *tunnel.Config) error {
	if cfg == nil {
		cfg = c.LastConfig()
	}
	if cfg == nil {
		return ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx, cfg)
}

// Reset acknowledges a failure and returns to idle, clearing the last exit.
// It is a no-op when idle and fails with ErrAlreadyRunning when active.
func (c *Controller) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, resetMsg{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Subscribe returns a channel of state changes. A subscriber that falls more
// than buffer changes behind loses the oldest ones.
func (c *Controller) Subscribe(buffer int) (<-chan StateChange, func()) {
	return c.states.Subscribe(buffer)
}

// SubscribeLogs returns a channel of output lines with the same drop-oldest policy.
func (c *Controller) SubscribeLogs(buffer int) (<-chan logbuf.Event, func()) {
	return c.logs.Subscribe(buffer)
}

// Logs returns up to limit buffered lines with a sequence number above since.
func (c *Controller) Logs(since uint64, limit int) []logbuf.Event {
	return c.ring.Since(since, limit)
}

// LastConfig returns a copy of the config of the current or last session.
func (c *Controller) LastConfig() *tunnel.Config {
	return c.snap.Load().cfg.Clone()
}

// Close stops any session, ends the loop and closes all subscriptions.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		c.states.Close()
		c.logs.Close()
	})
	return err
}

func (c *Controller) send(ctx context.Context, m any) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	select {
	case c.msgs <- m:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) notify(m any) {
	select {
	case c.msgs <- m:
	case <-c.quit:
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case m := <-c.msgs:
			switch m := m.(type) {
			case startMsg:
				m.reply <- c.handleStart(m.ctx, m.cfg)
			case stopMsg:
				m.reply <- c.handleStop()
			case resetMsg:
				m.reply <- c.handleReset()
			case readyMsg:
				c.handleReady(m.id)
			case exitMsg:
				c.handleExit(m)
			}
		case <-c.quit:
			for _, w := range c.st.waiters {
				close(w)
			}
			c.st.waiters = nil
			return
		}
	}
}

func (c *Controller) handleStart(ctx context.Context, cfg *tunnel.Config) error {
	st := &c.st
	if st.state.Active() {
		metrics.SessionStartsTotal.WithLabelValues("already_running").Inc()
		return ErrAlreadyRunning
	}
	if cfg == nil {
		cfg = st.cfg
	}
	if cfg == nil {
		metrics.SessionStartsTotal.WithLabelValues("invalid_config").Inc()
		return ErrNoConfig
	}

	h, err := c.launcher.Start(ctx, cfg)
	if err != nil {
		result := "launch_failed"
		if errors.Is(err, ErrConfigInvalid) {
			result = "invalid_config"
		}
		metrics.SessionStartsTotal.WithLabelValues(result).Inc()
		c.logger.Warn("session start rejected", "error", err)
		c.appendLog(logbuf.Daemon, "start failed: "+err.Error())
		st.lastErr = err
		c.publishSnapshot()
		return err
	}
	metrics.SessionStartsTotal.WithLabelValues("ok").Inc()

	st.sessionID = h.ID()
	st.handle = h
	st.cfg = cfg.Clone()
	st.lastExit = nil
	st.lastErr = nil
	c.procStats.Store(nil)

	st.record = &history.Record{
		ID:         h.ID(),
		Role:       string(cfg.Role),
		Interface:  cfg.Network.Interface,
		Remote:     cfg.RemoteEndpoint(),
		ConfigPath: h.ConfigPath(),
		PID:        h.PID(),
		StartedAt:  h.StartedAt(),
	}
	c.saveRecord(st.record)

	name, args := h.Command()
	c.appendLog(logbuf.Daemon, fmt.Sprintf("started %s %s (pid %d)", name, strings.Join(args, " "), h.PID()))
	c.transition(StateStarting, nil, nil)

	consumed := make(chan struct{})
	go c.consume(h, consumed)
	go c.watch(h, consumed)
	if c.statsInterval > 0 {
		go c.sampleStats(h)
	}
	return nil
}

func (c *Controller) handleStop() <-chan struct{} {
	st := &c.st
	switch st.state {
	case StateIdle, StateFailed:
		return nil
	case StateStopping:
		w := make(chan struct{})
		st.waiters = append(st.waiters, w)
		return w
	}

	w := make(chan struct{})
	st.waiters = append(st.waiters, w)
	c.appendLog(logbuf.Daemon, "stopping")
	c.transition(StateStopping, nil, nil)

	h := st.handle
	go func() {
		if err := c.launcher.Stop(h); err != nil {
			c.logger.Error("failed to stop proxy", "session", h.ID(), "error", err)
		}
	}()
	return w
}

func (c *Controller) handleReset() error {
	st := &c.st
	switch st.state {
	case StateIdle:
		return nil
	case StateFailed:
		st.lastExit = nil
		st.lastErr = nil
		c.transition(StateIdle, nil, nil)
		return nil
	default:
		return ErrAlreadyRunning
	}
}

func (c *Controller) handleReady(id string) {
	if c.st.handle == nil || c.st.handle.ID() != id || c.st.state != StateStarting {
		return
	}
	c.appendLog(logbuf.Daemon, "running")
	c.transition(StateRunning, nil, nil)
}

func (c *Controller) handleExit(m exitMsg) {
	st := &c.st
	if st.handle == nil || st.handle.ID() != m.id {
		c.logger.Debug("ignoring exit of stale session", "session", m.id)
		return
	}
	exit := m.exit
	st.lastExit = &exit
	st.handle = nil

	final := StateIdle
	if st.state == StateStopping {
		c.appendLog(logbuf.Daemon, "stopped: "+exit.Reason())
		c.transition(StateIdle, &exit, nil)
	} else {
		final = StateFailed
		err := &ProcessCrashedError{SessionID: m.id, Exit: exit}
		st.lastErr = err
		c.appendLog(logbuf.Daemon, "process exited unexpectedly: "+exit.Reason())
		c.transition(StateFailed, &exit, err)
	}

	c.droppedPrev.Add(m.dropped)
	for _, w := range st.waiters {
		close(w)
	}
	st.waiters = nil

	if rec := st.record; rec != nil {
		ended := exit.At
		code := exit.Code
		rec.EndedAt = &ended
		rec.FinalState = string(final)
		rec.ExitCode = &code
		rec.ExitSignal = exit.Signal
		rec.Reason = exit.Reason()
		c.saveRecord(rec)
		st.record = nil
	}
}

func (c *Controller) transition(to State, exit *supervisor.ExitInfo, err error) {
	from := c.st.state
	if !allowedTransition(from, to) {
		c.logger.Error("refusing invalid session transition", "from", from, "to", to)
		return
	}
	c.st.state = to
	metrics.SetSessionState(string(to), stateNames())
	c.publishSnapshot()

	change := StateChange{From: from, To: to, At: time.Now(), SessionID: c.st.sessionID, Exit: exit}
	if err != nil {
		change.Err = err.Error()
	}
	c.logger.Info("session state changed", "from", from, "to", to, "session", c.st.sessionID)
	c.states.Publish(change)
}

// consume moves lines from the handle's queue into the ring until the
// process is gone and its output drained.
func (c *Controller) consume(h *supervisor.Handle, done chan<- struct{}) {
	defer close(done)
	q := h.Events()
	for {
		batch, ok := q.Pop()
		if !ok {
			return
		}
		for _, ev := range batch {
			c.record(ev)
		}
	}
}

func (c *Controller) watch(h *supervisor.Handle, consumed <-chan struct{}) {
	select {
	case <-h.Ready():
		c.notify(readyMsg{id: h.ID()})
	case <-h.Done():
	}
	<-h.Done()
	<-consumed
	exit, _ := h.Exit()
	c.notify(exitMsg{id: h.ID(), exit: exit, dropped: h.Dropped()})
}

func (c *Controller) sampleStats(h *supervisor.Handle) {
	ticker := time.NewTicker(c.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.Done():
			metrics.ProcessRSSBytes.Set(0)
			metrics.ProcessCPUPercent.Set(0)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.statsInterval)
			st, err := c.launcher.Stats(ctx, h)
			cancel()
			if err != nil {
				continue
			}
			c.procStats.Store(st)
			metrics.ProcessRSSBytes.Set(float64(st.RSSBytes))
			metrics.ProcessCPUPercent.Set(st.CPUPercent)
		}
	}
}

func (c *Controller) appendLog(stream logbuf.Stream, line string) {
	c.record(logbuf.NewEvent(stream, line))
}

// record sequences ev and hands it to every sink. logMu keeps publication in
// sequence order across the consumer and the loop.
func (c *Controller) record(ev logbuf.Event) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	ev = c.ring.Append(ev)
	metrics.LogLinesTotal.WithLabelValues(string(ev.Stream), string(ev.Level)).Inc()
	if c.transcript != nil {
		c.transcript.Write(ev)
	}
	c.logs.Publish(ev)
}

func (c *Controller) saveRecord(rec *history.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.history.Save(ctx, rec); err != nil {
		c.logger.Warn("failed to save session history", "session", rec.ID, "error", err)
	}
}

func stateNames() []string {
	names := make([]string, len(supervisor.States))
	for i, s := range supervisor.States {
		names[i] = string(s)
	}
	return names
}
