package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the paqetd daemon in foreground",
	Long: `Run the paqetd daemon process in foreground.

The daemon will:
  1. Load the daemon configuration (--config, PAQETD_* env)
  2. Initialize logging, the session history and the proxy transcript
  3. Start the UDS server for CLI control and the HTTP API if enabled
  4. Start the configured tunnel if tunnel.auto_start is set
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		// --socket only overrides the config when given explicitly.
		socket := ""
		if cmd.Flags().Changed("socket") {
			socket = socketPath
		}
		if err := runDaemon(socket); err != nil {
			slog.Error("daemon failed", "error", err)
			exitWithError("daemon failed", err)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (overrides control.pid_file)")
}

func runDaemon(socket string) error {
	d, err := daemon.New(configFile, socket, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
