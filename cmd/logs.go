package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/logbuf"
)

var (
	logsSince    uint64
	logsLimit    int
	logsFollow   bool
	logsInterval time.Duration
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the proxy output",
	Long: `Print buffered proxy output lines from the daemon.

Examples:
  paqetd logs                 # everything still buffered
  paqetd logs --since 120     # lines after sequence number 120
  paqetd logs -f              # keep following new lines`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runLogs(cmd.Context(), c, cmd.OutOrStdout(), logsOptions{
				since:    logsSince,
				limit:    logsLimit,
				follow:   logsFollow,
				interval: logsInterval,
			})
		})
	},
}

func init() {
	logsCmd.Flags().Uint64Var(&logsSince, "since", 0, "only lines with a greater sequence number")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 0, "maximum lines per request (0 = all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "poll for new lines until interrupted")
	logsCmd.Flags().DurationVar(&logsInterval, "interval", 500*time.Millisecond, "poll interval with --follow")
}

type logsOptions struct {
	since    uint64
	limit    int
	follow   bool
	interval time.Duration
}

func runLogs(ctx context.Context, client ClientInterface, out io.Writer, opts logsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	since := opts.since
	for {
		res, err := client.SessionLogs(ctx, since, opts.limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read logs: %w", err)
		}
		for _, ev := range res.Events {
			writeEvent(out, ev)
		}
		if res.LastSeq > since {
			since = res.LastSeq
		}
		// A full page means more is buffered; fetch it without waiting.
		if opts.limit > 0 && len(res.Events) == opts.limit {
			continue
		}
		if !opts.follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.interval):
		}
	}
}

func writeEvent(out io.Writer, ev logbuf.Event) {
	fmt.Fprintf(out, "%s %6d %-6s %s\n", ev.Time.Local().Format("15:04:05.000"), ev.Seq, ev.Stream, ev.Line)
}
