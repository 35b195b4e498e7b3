package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/daemon"
)

var (
	shutdownPIDFile string
	shutdownForce   bool
	shutdownWait    time.Duration
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the session and exit the daemon",
	Long: `Ask the daemon to stop the tunnel session and exit.

With --force, a daemon that does not answer on the control socket is sent
SIGTERM through the PID in --pidfile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runShutdown(cmd.Context(), c, cmd.OutOrStdout(), shutdownOptions{
				force:   shutdownForce,
				pidFile: shutdownPIDFile,
				wait:    shutdownWait,
				signal:  daemon.SignalStop,
			})
		})
	},
}

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownForce, "force", false, "signal the daemon process if the socket is unreachable")
	shutdownCmd.Flags().StringVarP(&shutdownPIDFile, "pidfile", "p", "/var/run/paqetd.pid", "daemon PID file used by --force")
	shutdownCmd.Flags().DurationVar(&shutdownWait, "wait", 10*time.Second, "how long --force waits for the process to exit")
}

type shutdownOptions struct {
	force   bool
	pidFile string
	wait    time.Duration
	signal  func(pidFile string, timeout time.Duration) error
}

func runShutdown(ctx context.Context, client ClientInterface, out io.Writer, opts shutdownOptions) error {
	err := client.DaemonShutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Daemon shutting down")
		return nil
	}
	if !opts.force {
		return describe("failed to shut down daemon", err)
	}

	fmt.Fprintf(out, "control socket unreachable (%v), signalling process\n", err)
	if err := opts.signal(opts.pidFile, opts.wait); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(out, "daemon is not running")
			return nil
		}
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
