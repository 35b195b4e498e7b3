package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/paqetui/paqetd/internal/command"
)

// tunnelFlags selects the tunnel config sent with start, restart and
// validate. With none set the daemon reuses the last config.
type tunnelFlags struct {
	path     string
	settings string
	detect   bool
}

func (f *tunnelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "tunnel", "t", "", "tunnel config file (YAML) read by the daemon")
	cmd.Flags().StringVar(&f.settings, "settings", "", "flat front-end settings file (YAML or JSON)")
	cmd.Flags().BoolVar(&f.detect, "detect", false, "fill missing interface, local IP and router MAC from the default route")
	cmd.MarkFlagsMutuallyExclusive("tunnel", "settings")
}

func (f *tunnelFlags) params() (command.ConfigParams, error) {
	p := command.ConfigParams{Detect: f.detect}
	if f.path != "" {
		// The daemon resolves the path, possibly from another directory.
		abs, err := filepath.Abs(f.path)
		if err != nil {
			return p, err
		}
		p.Path = abs
	}
	if f.settings != "" {
		m, err := readSettings(f.settings)
		if err != nil {
			return p, err
		}
		p.Settings = m
	}
	return p, nil
}

// readSettings decodes a flat settings document. JSON is accepted as YAML.
func readSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return m, nil
}

var (
	startFlags   tunnelFlags
	restartFlags tunnelFlags
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a tunnel session",
	Long: `Start a tunnel session on the daemon.

Examples:
  paqetd start -t client.yaml            # start from a tunnel file
  paqetd start --settings ui.json        # start from flat front-end settings
  paqetd start -t client.yaml --detect   # fill missing network fields
  paqetd start                           # restart the last config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := startFlags.params()
		if err != nil {
			return err
		}
		return withClient(func(c ClientInterface) error {
			return runStart(cmd.Context(), c, params, cmd.OutOrStdout())
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the tunnel session",
	Long: `Stop the running tunnel session and wait for the proxy to exit.
Stopping when nothing runs succeeds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runStop(cmd.Context(), c, cmd.OutOrStdout())
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the tunnel session",
	Long: `Stop the session and start it again, with a new config or the last one.
The new config is validated before the running session is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := restartFlags.params()
		if err != nil {
			return err
		}
		return withClient(func(c ClientInterface) error {
			return runRestart(cmd.Context(), c, params, cmd.OutOrStdout())
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a failed session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runReset(cmd.Context(), c, cmd.OutOrStdout())
		})
	},
}

func init() {
	startFlags.register(startCmd)
	restartFlags.register(restartCmd)
}

func runStart(ctx context.Context, client ClientInterface, params command.ConfigParams, out io.Writer) error {
	st, err := client.SessionStart(ctx, params)
	if err != nil {
		return describe("failed to start session", err)
	}
	fmt.Fprintf(out, "✓ Session %s %s (pid %d)\n", st.SessionID, st.State, st.PID)
	return nil
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	st, err := client.SessionStop(ctx)
	if err != nil {
		return describe("failed to stop session", err)
	}
	fmt.Fprintf(out, "✓ Session stopped (%s)\n", st.State)
	return nil
}

func runRestart(ctx context.Context, client ClientInterface, params command.ConfigParams, out io.Writer) error {
	st, err := client.SessionRestart(ctx, params)
	if err != nil {
		return describe("failed to restart session", err)
	}
	fmt.Fprintf(out, "✓ Session %s %s (pid %d)\n", st.SessionID, st.State, st.PID)
	return nil
}

func runReset(ctx context.Context, client ClientInterface, out io.Writer) error {
	st, err := client.SessionReset(ctx)
	if err != nil {
		return describe("failed to reset session", err)
	}
	fmt.Fprintf(out, "✓ Session reset (%s)\n", st.State)
	return nil
}

// describe wraps err, listing config problems when the daemon sent them.
func describe(msg string, err error) error {
	var info *command.ErrorInfo
	if !errors.As(err, &info) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	problems := problemsOf(info)
	if len(problems) == 0 {
		return fmt.Errorf("%s: %s", msg, info.Message)
	}
	return fmt.Errorf("%s: %s\n  - %s", msg, info.Message, strings.Join(problems, "\n  - "))
}

// problemsOf extracts the problems list from a decoded error payload.
func problemsOf(info *command.ErrorInfo) []string {
	data, ok := info.Data.(map[string]any)
	if !ok {
		return nil
	}
	switch list := data["problems"].(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, p := range list {
			out = append(out, fmt.Sprint(p))
		}
		return out
	}
	return nil
}
