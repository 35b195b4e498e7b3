package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/netdetect"
	"github.com/paqetui/paqetd/internal/tunnel"
)

var (
	validateFlags  tunnelFlags
	validateRemote bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a tunnel configuration",
	Long: `Validate a tunnel configuration without starting it.

By default the file is checked locally. With --remote the daemon checks it,
which also covers the last config when no source is given.

Examples:
  paqetd validate -t client.yaml
  paqetd validate --settings ui.json --detect
  paqetd validate --remote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := validateFlags.params()
		if err != nil {
			return err
		}
		if validateRemote {
			return withClient(func(c ClientInterface) error {
				return runValidateRemote(cmd.Context(), c, params, cmd.OutOrStdout())
			})
		}
		return runValidateLocal(cmd.Context(), params, netdetect.System{}, cmd.OutOrStdout())
	},
}

func init() {
	validateFlags.register(validateCmd)
	validateCmd.Flags().BoolVar(&validateRemote, "remote", false, "ask the daemon to validate")
}

// errInvalid makes the command exit non-zero after the report is printed.
var errInvalid = errors.New("configuration is invalid")

func runValidateLocal(ctx context.Context, params command.ConfigParams, det command.Detector, out io.Writer) error {
	if params.Empty() {
		return fmt.Errorf("one of --tunnel or --settings is required without --remote")
	}
	cfg, err := params.Resolve(ctx, det)
	if err != nil {
		return err
	}
	res := &command.ValidateResult{Valid: true}
	if err := cfg.Validate(); err != nil {
		var ve *tunnel.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		res.Valid = false
		res.Problems = ve.Problems
	} else {
		res.Args = cfg.Redacted().FlagArgs()
	}
	return report(out, res)
}

func runValidateRemote(ctx context.Context, client ClientInterface, params command.ConfigParams, out io.Writer) error {
	res, err := client.ConfigValidate(ctx, params)
	if err != nil {
		return describe("failed to validate", err)
	}
	return report(out, res)
}

func report(out io.Writer, res *command.ValidateResult) error {
	if !res.Valid {
		fmt.Fprintln(out, "INVALID:")
		for _, p := range res.Problems {
			fmt.Fprintf(out, "  - %s\n", p)
		}
		return errInvalid
	}
	fmt.Fprintln(out, "VALID")
	if len(res.Args) > 0 {
		fmt.Fprintf(out, "  paqet %s\n", strings.Join(res.Args, " "))
	}
	return nil
}

var (
	renderFlags   tunnelFlags
	renderArgs    bool
	renderSecrets bool
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the tunnel document the proxy would run with",
	Long: `Resolve a tunnel file or front-end settings and print the resulting
paqet document. Secrets are masked unless --show-secrets is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := renderFlags.params()
		if err != nil {
			return err
		}
		return runRender(cmd.Context(), params, netdetect.System{}, cmd.OutOrStdout(), renderArgs, renderSecrets)
	},
}

func init() {
	renderFlags.register(renderCmd)
	renderCmd.Flags().BoolVar(&renderArgs, "args", false, "print command-line flags instead of YAML")
	renderCmd.Flags().BoolVar(&renderSecrets, "show-secrets", false, "do not mask the key and SOCKS5 passwords")
}

func runRender(ctx context.Context, params command.ConfigParams, det command.Detector, out io.Writer, asArgs, secrets bool) error {
	if params.Empty() {
		return fmt.Errorf("one of --tunnel or --settings is required")
	}
	cfg, err := params.Resolve(ctx, det)
	if err != nil {
		return err
	}
	if !secrets {
		cfg = cfg.Redacted()
	}
	if asArgs {
		fmt.Fprintf(out, "paqet %s\n", strings.Join(cfg.FlagArgs(), " "))
		return nil
	}
	data, err := tunnel.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
