// Package main provides the entry point for the vaultindex CLI.
package main

import (
	"os"

	"github.com/vaultindex/vaultindex/cmd/vaultindex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
