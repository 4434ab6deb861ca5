package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/catalog"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Queries []catalog.Query `json:"queries"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <catalog-dir>",
		Short: "Validate a CUE query catalog",
		Long: `Compile every .cue file in a directory as a query catalog and report
the declared queries, or the first error with its source position.

Examples:
  livesync validate ./catalog
  livesync validate ./catalog --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	formatter.VerboseLog("Compiling catalog in %s", dir)

	cat, err := catalog.Load(dir)
	if err != nil {
		code := ErrCodeGeneric
		var cerr *catalog.CompileError
		if errors.As(err, &cerr) {
			code = cerr.Code
		}
		if outErr := formatter.Error(code, err.Error(), nil); outErr != nil {
			return outErr
		}
		exit := ExitFailure
		if code == catalog.ErrCodeNotFound || code == catalog.ErrCodeNoFiles {
			exit = ExitCommandError
		}
		return WrapExitError(exit, "catalog validation failed", err)
	}

	queries := cat.Queries()
	if queries == nil {
		queries = []catalog.Query{}
	}
	return formatter.Success(
		ValidationResult{Valid: true, Queries: queries},
		formatCatalogText(queries),
	)
}

func formatCatalogText(queries []catalog.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Catalog valid: %d quer%s\n", len(queries), plural(len(queries), "y", "ies"))
	for _, q := range queries {
		fmt.Fprintf(&b, "  %s  table=%s", q.Name, q.Table)
		if len(q.Filters) > 0 {
			fmt.Fprintf(&b, " filters=%s", strings.Join(q.Filters, ","))
		}
		if !q.Optimistic {
			b.WriteString(" optimistic=false")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
