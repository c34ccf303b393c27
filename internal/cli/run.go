package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"i2cmaster-go/internal/scenario"
	"i2cmaster-go/internal/tracestore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a bus scenario",
		Long: `Run every step of a scenario through the engine over a simulated bus.

Each transfer is printed with its outcome and the primitives it issued.
The command exits with status 1 when any transfer failed.

Example:
  i2csim run testdata/eeprom.yaml
  i2csim run --db ./runs.db --format json faults.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")

	return cmd
}

// runReport is the JSON shape of a run.
type runReport struct {
	RunID string `json:"run_id,omitempty"`
	*scenario.Result
}

func runScenario(ctx context.Context, opts *RunOptions, path string, out, errw io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.logger(errw)

	s, err := scenario.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	log.Info("running scenario", "name", s.Name, "steps", len(s.Steps))

	res, err := scenario.Run(s, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	var runID string
	if opts.Database != "" {
		st, err := tracestore.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open trace store", err)
		}
		defer st.Close()
		if runID, err = st.SaveRun(ctx, res); err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
		log.Info("run recorded", "run_id", runID, "db", opts.Database)
	}

	if opts.Format == "json" {
		if err := writeJSON(out, runReport{RunID: runID, Result: res}); err != nil {
			return err
		}
	} else {
		if _, err := io.WriteString(out, res.Transcript()); err != nil {
			return err
		}
		if runID != "" {
			fmt.Fprintf(out, "run: %s\n", runID)
		}
	}

	failed := 0
	for _, t := range res.Transfers {
		if !t.OK() {
			failed++
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d transfers failed", failed, len(res.Transfers)))
	}
	return nil
}
