package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/session"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session status",
	Long: `Query the daemon for its version and uptime and for the state of the
tunnel session: pid, uptime, config summary, last exit and log counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runStatus(cmd.Context(), c, cmd.OutOrStdout(), statusJSON)
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer, asJSON bool) error {
	ds, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	st, err := client.SessionStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query session status: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"daemon": ds, "session": st})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Daemon:\tpaqetd %s (pid %d, up %s)\n", ds.Version, ds.PID, time.Duration(ds.UptimeSeconds)*time.Second)
	writeSession(w, st)
	return w.Flush()
}

func writeSession(w io.Writer, st *session.Status) {
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	if st.SessionID != "" {
		fmt.Fprintf(w, "Session:\t%s\n", st.SessionID)
	}
	if st.PID != 0 {
		fmt.Fprintf(w, "PID:\t%d\n", st.PID)
	}
	if st.StartedAt != nil {
		up := time.Duration(st.UptimeSeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(w, "Started:\t%s (up %s)\n", st.StartedAt.Local().Format(time.DateTime), up)
	}
	if cfg := st.Config; cfg != nil {
		fmt.Fprintf(w, "Role:\t%s\n", cfg.Role)
		fmt.Fprintf(w, "Interface:\t%s\n", cfg.Interface)
		fmt.Fprintf(w, "Remote:\t%s\n", cfg.Remote)
		fmt.Fprintf(w, "KCP:\tmode=%s mtu=%d block=%s\n", cfg.Mode, cfg.MTU, cfg.Block)
		if len(cfg.SOCKS5) > 0 {
			fmt.Fprintf(w, "SOCKS5:\t%s\n", strings.Join(cfg.SOCKS5, ", "))
		}
	}
	if p := st.Process; p != nil {
		fmt.Fprintf(w, "Process:\tcpu=%.1f%% rss=%dKiB\n", p.CPUPercent, p.RSSBytes/1024)
	}
	if st.LastExit != nil {
		fmt.Fprintf(w, "Last exit:\t%s\n", st.LastExit.Reason())
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
	}
	fmt.Fprintf(w, "Log lines:\t%d (%d errors, %d dropped)\n", st.LogLines, st.ErrorLines, st.DroppedLines)
}
