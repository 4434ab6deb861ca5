package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/harness"
	"github.com/roach88/livesync/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Catalog  string
}

// RunOutput is the JSON payload of the run command.
type RunOutput struct {
	Scenario string          `json:"scenario"`
	Pass     bool            `json:"pass"`
	Errors   []string        `json:"errors,omitempty"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario against the reference backend",
		Long: `Run one scenario against a live engine backed by the SQLite
reference backend and print everything subscribers and listeners observed.

The backend is in memory unless --db (or db in the config file) names a
database file. A file database should be empty.

Exit codes:
  0 - Scenario passed
  1 - An expectation or assertion failed
  2 - Command error (unreadable scenario, catalog or database)

Examples:
  livesync run ./scenarios/offline_replay.yaml
  livesync run ./scenarios/filtered.yaml --catalog ./catalog --format json
  livesync run ./scenarios/offline_replay.yaml --db /tmp/backend.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite backend database (default from config, else in memory)")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "CUE catalog directory (overrides config)")

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Catalog != "" {
		cfg.Catalog = opts.Catalog
	}
	if opts.Database != "" {
		cfg.DB = opts.Database
	}
	logger, err := setupLogging(opts.RootOptions, cfg)
	if err != nil {
		return err
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeScenarioInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	formatter.VerboseLog("Running %s (%d steps)", scenario.Name, len(scenario.Steps))

	result, err := harness.RunWith(scenario, harness.Options{
		DBPath: cfg.DB,
		Logger: logger,
		Config: &cfg,
	})
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	snapshot, err := harness.Snapshot(scenario.Name, result)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render trace", err)
	}

	out := RunOutput{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Errors:   result.Errors,
		Snapshot: snapshot,
	}
	if err := formatter.Success(out, formatRunText(scenario.Name, result)); err != nil {
		return err
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

// formatRunText renders a result as one line per trace entry.
func formatRunText(name string, result *harness.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s\n", name)
	for _, ev := range result.Trace {
		fmt.Fprintf(&b, "  %s\n", formatTraceLine(ev))
	}

	for _, table := range ir.SortedKeys(result.State) {
		fmt.Fprintf(&b, "Table %s:\n", table)
		for _, row := range result.State[table] {
			fmt.Fprintf(&b, "  %s\n", canonical(row))
		}
	}

	if result.Pass {
		b.WriteString("PASS\n")
		return b.String()
	}
	b.WriteString("FAIL\n")
	for _, e := range result.Errors {
		fmt.Fprintf(&b, "  %s\n", strings.TrimSpace(e))
	}
	return b.String()
}

func formatTraceLine(ev harness.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %-20s", ev.Step, ev.Label())
	switch ev.Type {
	case harness.TypeDeliver:
		if ev.Optimistic {
			b.WriteString(" (optimistic)")
		}
		fmt.Fprintf(&b, " %s", canonical(ev.Value))
	default:
		for _, part := range []string{ev.Subscription, ev.Query, ev.Table, ev.Mutation} {
			if part != "" {
				fmt.Fprintf(&b, " %s", part)
			}
		}
		if ev.Outcome != "" {
			fmt.Fprintf(&b, " -> %s", ev.Outcome)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func canonical(v any) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
