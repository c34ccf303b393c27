package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"i2cmaster-go/internal/scenario"
)

// NewScanCommand creates the scan command.
func NewScanCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <scenario.yaml>",
		Short: "Probe every address on a scenario's bus",
		Long: `Attach the scenario's targets, probe addresses 0x08-0x77 with
address-only transfers and list the ones that acknowledged. Steps are not run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scan(opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func scan(opts *RootOptions, path string, out, errw io.Writer) error {
	s, err := scenario.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	found, err := scenario.Scan(s, opts.logger(errw))
	if err != nil {
		return WrapExitError(ExitCommandError, "scan failed", err)
	}

	if opts.Format == "json" {
		addrs := make([]string, len(found))
		for i, a := range found {
			addrs[i] = fmt.Sprintf("0x%02X", a)
		}
		return writeJSON(out, map[string]any{"name": s.Name, "found": addrs})
	}
	if len(found) == 0 {
		_, err := fmt.Fprintln(out, "no devices")
		return err
	}
	parts := make([]string, len(found))
	for i, a := range found {
		parts[i] = fmt.Sprintf("0x%02X", a)
	}
	_, err = fmt.Fprintln(out, strings.Join(parts, " "))
	return err
}
