package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/tunnel"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random KCP key",
	Long:  `Generate a random key for transport.kcp.key. Both tunnel ends must use the same key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeygen(cmd.OutOrStdout())
	},
}

func runKeygen(out io.Writer) error {
	key, err := tunnel.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key)
	return nil
}
