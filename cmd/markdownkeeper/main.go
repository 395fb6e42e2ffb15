// Package main provides the entry point for the markdownkeeper CLI.
package main

import (
	"fmt"
	"os"

	"github.com/markdownkeeper/markdownkeeper/cmd/markdownkeeper/cmd"
)

func main() {
	root := cmd.NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(cmd.ExitCode(err))
}
