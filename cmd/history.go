package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past sessions",
	Long:  `List past tunnel sessions recorded by the daemon, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ClientInterface) error {
			return runHistory(cmd.Context(), c, cmd.OutOrStdout(), historyLimit)
		})
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of sessions to list")
}

func runHistory(ctx context.Context, client ClientInterface, out io.Writer, limit int) error {
	recs, err := client.SessionHistory(ctx, limit)
	if err != nil {
		return describe("failed to read history", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tREMOTE\tSTARTED\tDURATION\tRESULT")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Role, r.Remote,
			r.StartedAt.Local().Format(time.DateTime),
			duration(r), result(r))
	}
	return w.Flush()
}

func duration(r history.Record) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func result(r history.Record) string {
	if r.FinalState == "" {
		return "active"
	}
	if r.Reason == "" {
		return r.FinalState
	}
	return r.FinalState + ": " + r.Reason
}
