// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/command"
)

var (
	// Global flags
	configFile string
	socketPath string
	rpcTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "paqetd",
	Short: "paqetd - session manager for the paqet packet tunnel",
	Long: `paqetd supervises a single paqet tunnel process on behalf of a desktop
front end or the command line.

The daemon validates and renders tunnel configurations, launches the proxy,
captures its output and tracks the session through its lifecycle. It is
controlled through a Unix domain socket (this CLI) and an optional local
HTTP API.`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"daemon config file path (defaults and PAQETD_* env only when empty)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/paqetd.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "timeout", 15*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, resetCmd)
	rootCmd.AddCommand(statusCmd, logsCmd, historyCmd)
	rootCmd.AddCommand(validateCmd, renderCmd, keygenCmd, detectCmd)
	rootCmd.AddCommand(reloadCmd, shutdownCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
