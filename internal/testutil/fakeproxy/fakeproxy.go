// Package fakeproxy lets a test binary stand in for the paqet executable.
// A test package calls MaybeRun from TestMain and points the supervisor at
// os.Args[0] with Env(mode) in its environment.
package fakeproxy

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/paqetui/paqetd/internal/tunnel"
)

// EnvMode selects the behaviour of the fake proxy.
const EnvMode = "PAQETD_FAKE_PROXY"

// Behaviours.
const (
	// ModeRun logs a banner and runs until SIGTERM, then exits 0.
	ModeRun = "run"
	// ModeCrash logs an error and exits with code 3 after a short delay.
	ModeCrash = "crash"
	// ModeExit exits with code 1 immediately.
	ModeExit = "exit"
	// ModeIgnoreTerm ignores SIGTERM and only dies to SIGKILL.
	ModeIgnoreTerm = "ignore-term"
	// ModeFlood writes FloodLines lines as fast as possible, then behaves like ModeRun.
	ModeFlood = "flood"
	// ModeDetach starts a ModeIgnoreTerm copy of itself in a new session,
	// prints "detached child pid N" and then behaves like ModeIgnoreTerm.
	ModeDetach = "detach"
)

// DetachedPrefix starts the line ModeDetach prints with its child's pid.
const DetachedPrefix = "detached child pid "

// FloodLines is the number of lines written in ModeFlood.
const FloodLines = 20000

// EnvCrashDelay overrides the ModeCrash delay in milliseconds.
const EnvCrashDelay = "PAQETD_FAKE_PROXY_DELAY_MS"

// Env returns the environment entries that select mode.
func Env(mode string) []string {
	return []string{EnvMode + "=" + mode}
}

// MaybeRun turns the current process into the fake proxy when EnvMode is
// set. It never returns in that case.
func MaybeRun() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Args[1:]))
}

func run(mode string, args []string) int {
	if len(args) != 3 || args[0] != "run" || args[1] != "-c" {
		fmt.Fprintf(os.Stderr, "usage error: invalid arguments %q\n", args)
		return 2
	}
	cfg, err := tunnel.Load(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	term := make(chan os.Signal, 1)
	switch mode {
	case ModeIgnoreTerm, ModeDetach:
		signal.Ignore(syscall.SIGTERM)
	default:
		signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	}

	fmt.Printf("paqet %s starting on %s\n", cfg.Role, cfg.Network.Interface)
	fmt.Fprintln(os.Stderr, "notice: raw socket opened")

	switch mode {
	case ModeExit:
		fmt.Fprintln(os.Stderr, "fatal: cannot open interface")
		return 1
	case ModeCrash:
		delay := 50 * time.Millisecond
		if ms, err := strconv.Atoi(os.Getenv(EnvCrashDelay)); err == nil {
			delay = time.Duration(ms) * time.Millisecond
		}
		time.Sleep(delay)
		fmt.Fprintln(os.Stderr, "panic: connection to server failed")
		return 3
	case ModeFlood:
		for i := 0; i < FloodLines; i++ {
			fmt.Printf("flood line %d\n", i)
		}
	case ModeDetach:
		pid, err := startDetached(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to detach: %v\n", err)
			return 4
		}
		fmt.Printf("%s%d\n", DetachedPrefix, pid)
	}

	fmt.Println("tunnel established")
	if mode == ModeIgnoreTerm || mode == ModeDetach {
		for {
			time.Sleep(time.Hour)
		}
	}
	<-term
	fmt.Println("shutting down")
	return 0
}

// Config returns a valid client tunnel config for driving the fake proxy.
func Config() *tunnel.Config {
	c := tunnel.Default(tunnel.RoleClient)
	c.Network.Interface = "lo"
	c.Network.GUID = "{4D36E972-E325-11CE-BFC1-08002BE10318}"
	c.Network.IPv4.Addr = "127.0.0.1:0"
	c.Network.IPv4.RouterMAC = "02:00:00:00:00:01"
	c.Transport.KCP.Key = "fake-proxy-key-0123456789"
	c.Server = &tunnel.Endpoint{Addr: "127.0.0.1:9999"}
	return c
}
