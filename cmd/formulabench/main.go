package main

import (
	"fmt"
	"os"

	"github.com/roach88/formulabench/internal/cli"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

// run is split from main so deferred cleanup in commands finishes before
// os.Exit.
func run() error {
	return cli.NewRootCommand().Execute()
}
