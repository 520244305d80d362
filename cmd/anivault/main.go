// Package main is the entry point for the anivault API server.
package main

import (
	"os"

	"github.com/danantara/anivault/cmd/anivault/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
