// Package main provides the entry point for the docsearch server.
package main

import (
	"os"

	"docsearch/cmd/docsearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
