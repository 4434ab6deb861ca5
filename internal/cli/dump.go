package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/store"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	Database string
	Log      bool // print the applied-mutation log instead of records
}

// DumpResult holds the dump output.
type DumpResult struct {
	Tables  map[string][]ir.Record  `json:"tables,omitempty"`
	Applied []store.AppliedMutation `json:"applied,omitempty"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump [table]",
		Short: "Print reference backend records",
		Long: `Print the records of a reference backend database, one table or all of
them, in write order. With --log, print the applied-mutation log instead.

Examples:
  livesync dump --db ./backend.db
  livesync dump --db ./backend.db todos
  livesync dump --db ./backend.db --log --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			return runDump(opts, table, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite backend database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Log, "log", false, "print the applied-mutation log")

	return cmd
}

func runDump(opts *DumpOptions, table string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// store.Open would create a missing file.
	if _, err := os.Stat(opts.Database); err != nil {
		_ = formatter.Error(ErrCodeDatabase, fmt.Sprintf("database not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Log {
		applied, err := st.AppliedMutations(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read applied mutations", err)
		}
		return formatter.Success(DumpResult{Applied: applied}, formatAppliedText(applied))
	}

	tables := []string{table}
	if table == "" {
		if tables, err = st.Tables(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to list tables", err)
		}
	}

	result := DumpResult{Tables: make(map[string][]ir.Record, len(tables))}
	for _, t := range tables {
		rows, err := st.ReadTable(ctx, t)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read table %s", t), err)
		}
		result.Tables[t] = rows
	}
	return formatter.Success(result, formatTablesText(tables, result.Tables))
}

func formatTablesText(order []string, tables map[string][]ir.Record) string {
	var b strings.Builder
	if len(order) == 0 {
		b.WriteString("No records.\n")
	}
	for _, t := range order {
		rows := tables[t]
		fmt.Fprintf(&b, "%s (%d)\n", t, len(rows))
		for _, row := range rows {
			fmt.Fprintf(&b, "  %s\n", canonical(row))
		}
	}
	return b.String()
}

func formatAppliedText(applied []store.AppliedMutation) string {
	var b strings.Builder
	if len(applied) == 0 {
		b.WriteString("No applied mutations.\n")
	}
	for _, m := range applied {
		fmt.Fprintf(&b, "%4d  %-6s %s/%s  %s\n", m.Seq, m.Kind, m.Table, m.RecordID, m.ID)
	}
	return b.String()
}
