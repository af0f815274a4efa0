// Package main is the entry point for the vidarr application.
package main

import (
	"os"

	"github.com/vidarr/vidarr/cmd/vidarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
