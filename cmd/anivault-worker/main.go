// Package main is the entry point for the anivault archival worker.
package main

import (
	"os"

	"github.com/danantara/anivault/cmd/anivault-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
