package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/netdetect"
)

var detectLocal bool

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List interfaces and the default route",
	Long: `List network interfaces and detect the outbound interface, local IPv4
address and gateway MAC used to fill a tunnel's network section.

Detection runs in the daemon, which usually holds the privileges needed to
read the neighbour table. Use --local to run it in this process instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if detectLocal {
			return runDetect(cmd.Context(), localDetector{netdetect.System{}}, cmd.OutOrStdout())
		}
		return withClient(func(c ClientInterface) error {
			return runDetect(cmd.Context(), c, cmd.OutOrStdout())
		})
	},
}

func init() {
	detectCmd.Flags().BoolVar(&detectLocal, "local", false, "detect in this process instead of the daemon")
}

type netDetector interface {
	NetDetect(ctx context.Context) (*command.NetDetectResult, error)
}

// localDetector adapts a command.Detector to the daemon's result shape.
type localDetector struct {
	det command.Detector
}

func (l localDetector) NetDetect(ctx context.Context) (*command.NetDetectResult, error) {
	ifaces, err := l.det.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	res := &command.NetDetectResult{Interfaces: ifaces}
	det, err := l.det.Detect(ctx)
	res.Detected = det
	if err != nil {
		res.Warning = err.Error()
	}
	return res, nil
}

func runDetect(ctx context.Context, d netDetector, out io.Writer) error {
	res, err := d.NetDetect(ctx)
	if err != nil {
		return describe("network detection failed", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINDEX\tSTATE\tMAC\tMTU\tIPV4")
	for _, i := range res.Interfaces {
		state := "down"
		if i.Up {
			state = "up"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n", i.Name, i.Index, state, i.MAC, i.MTU, strings.Join(i.IPv4, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if det := res.Detected; det != nil {
		fmt.Fprintf(out, "\nDefault route: %s via %s\n", det.Interface, det.Gateway)
		fmt.Fprintf(out, "  local ip:   %s\n", det.LocalIP)
		fmt.Fprintf(out, "  router mac: %s\n", det.RouterMAC)
	}
	if res.Warning != "" {
		fmt.Fprintf(out, "warning: %s\n", res.Warning)
	}
	return nil
}
