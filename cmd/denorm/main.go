// Command denorm compiles denormalization configurations and runs the
// propagation engine against a SQLite database.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/denorm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
