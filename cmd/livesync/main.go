// Command livesync runs scenarios against the reference backend, validates
// query catalogs and inspects backend databases.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/livesync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
