package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon configuration",
	Long: `Ask the daemon to re-read its configuration file. Log settings apply
immediately; other changed sections are listed and need a daemon restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runReload(cmd.Context(), c, cmd.OutOrStdout())
		})
	},
}

// runReload holds the command logic so it can be tested with a mock client.
func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	cold, err := client.ConfigReload(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	if len(cold) > 0 {
		fmt.Fprintf(out, "  restart the daemon to apply: %s\n", strings.Join(cold, ", "))
	}
	return nil
}
