// Package daemon implements the paqetd process lifecycle: it wires the
// session controller to its control planes and tears everything down on exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/paqetui/paqetd/internal/api"
	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/config"
	"github.com/paqetui/paqetd/internal/history"
	logpkg "github.com/paqetui/paqetd/internal/log"
	"github.com/paqetui/paqetd/internal/metrics"
	"github.com/paqetui/paqetd/internal/netdetect"
	"github.com/paqetui/paqetd/internal/session"
	"github.com/paqetui/paqetd/internal/supervisor"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// Daemon manages the paqetd process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex // guards config
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	controller    *session.Controller
	store         history.Store
	gc            *history.GC        // nil if history disabled
	transcript    *logpkg.Transcript // nil if transcript disabled
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	apiServer     *api.Server     // nil if api disabled
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the config at configPath. socketPath and pidFile override the
// config's control settings when non-empty.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		store:        history.Noop(),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components. On error the
// components started so far are stopped again.
func (d *Daemon) Start() (err error) {
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	cfg := d.currentConfig()

	slog.Info("starting paqetd",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.socketPath,
		"binary", cfg.Binary.Path,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. History store and its GC
	if err := d.openHistory(cfg.History); err != nil {
		return err
	}

	// 4. Proxy output transcript
	if cfg.Transcript.Enabled {
		t, err := logpkg.NewTranscript(cfg.Transcript)
		if err != nil {
			return fmt.Errorf("failed to open transcript: %w", err)
		}
		d.transcript = t
	}

	// 5. Session controller over the process supervisor
	sup := supervisor.New(supervisor.Options{
		Binary:       cfg.Binary.Path,
		Sudo:         cfg.Binary.Sudo,
		RuntimeDir:   cfg.Binary.RuntimeDir,
		KeepConfig:   cfg.Binary.KeepConfig,
		StopTimeout:  cfg.Binary.StopTimeout,
		StartupGrace: cfg.Binary.StartupGrace,
		QueueSize:    cfg.Binary.QueueSize,
	})
	opts := session.Options{
		Launcher:      sup,
		History:       d.store,
		RingSize:      cfg.Session.RingSize,
		StatsInterval: cfg.Session.StatsInterval,
	}
	if d.transcript != nil {
		opts.Transcript = d.transcript
	}
	d.controller = session.New(opts)

	// 6. Command handler; daemon_shutdown triggers a graceful stop
	detector := netdetect.System{}
	d.cmdHandler = command.NewCommandHandler(d.controller, d.store, detector, d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 7. UDS server for CLI control. Bind errors are fatal.
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	go func() {
		if err := d.udsServer.Serve(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 8. HTTP API for the desktop front end
	if cfg.API.Enabled {
		d.apiServer = api.NewServer(api.Options{
			Session:        d.controller,
			History:        d.store,
			Detector:       detector,
			AllowedOrigins: cfg.API.AllowedOrigins,
		})
		if err := d.apiServer.Start(d.ctx, cfg.API.Listen); err != nil {
			d.apiServer = nil
			return fmt.Errorf("failed to start api server: %w", err)
		}
	}

	// 9. Standalone metrics endpoint
	if err := d.startMetrics(cfg.Metrics); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 10. Optional session at boot. A bad tunnel file is logged, not fatal.
	if cfg.Tunnel.AutoStart {
		d.autoStart(cfg.Tunnel.Path)
	}

	slog.Info("daemon started successfully")
	return nil
}

func (d *Daemon) openHistory(cfg config.HistoryConfig) error {
	if !cfg.Enabled {
		slog.Info("session history disabled")
		return nil
	}
	store, err := history.Open(cfg.Path, false)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	d.store = store

	gc, err := history.NewGC(store, cfg.GCSchedule, cfg.MaxAge, cfg.Keep)
	if err != nil {
		return err
	}
	if err := gc.Start(); err != nil {
		return fmt.Errorf("failed to schedule history gc: %w", err)
	}
	d.gc = gc
	return nil
}

func (d *Daemon) autoStart(path string) {
	cfg, err := tunnel.Load(path)
	if err != nil {
		slog.Error("auto start skipped", "tunnel", path, "error", err)
		return
	}
	if err := d.controller.Start(d.ctx, cfg); err != nil {
		slog.Error("auto start failed", "tunnel", path, "error", err)
		return
	}
	slog.Info("auto started session", "tunnel", path)
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. Stop the HTTP API first (no new requests, streams closed)
	if d.apiServer != nil {
		if err := d.apiServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping api server", "error", err)
		}
	}

	// 2. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 3. Stop the session and wait for the proxy to exit
	if d.controller != nil {
		slog.Info("stopping session")
		if err := d.controller.Close(shutdownCtx); err != nil {
			slog.Error("error stopping session", "error", err)
		}
	}

	// 4. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 5. History GC and store
	if d.gc != nil {
		d.gc.Stop()
	}
	if err := d.store.Close(); err != nil {
		slog.Error("error closing history", "error", err)
	}

	// 6. Transcript
	if d.transcript != nil {
		if err := d.transcript.Close(); err != nil {
			slog.Error("error closing transcript", "error", err)
		}
	}

	// 7. Cancel context to signal all goroutines
	d.cancel()

	// 8. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 9. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 10. Flush logs
	logpkg.Flush()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. the daemon_shutdown command
//
// SIGHUP reloads the config.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if _, err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the config file. Log settings apply immediately; the
// returned keys changed but only take effect after a restart.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() ([]string, error) {
	slog.Info("reloading configuration", "path", d.configPath)

	next, err := config.Load(d.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	prev := d.config
	d.config = next
	d.mu.Unlock()

	hotReloaded := []string{}
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if prev.Log != next.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := prev.Diff(next)
	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return requiresRestart, nil
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// Already requested.
	}
}

// APIAddr returns the bound API address, or "" if the API is disabled.
func (d *Daemon) APIAddr() string {
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.Addr()
}

func (d *Daemon) currentConfig() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	cfg := d.currentConfig()
	if err := logpkg.Init(cfg.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics(cfg config.MetricsConfig) error {
	if !cfg.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(cfg.Listen, cfg.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}

	slog.Info("metrics server started",
		"addr", cfg.Listen,
		"path", cfg.Path,
	)
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
