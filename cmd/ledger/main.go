// Package main provides the ledger CLI. It initializes a configuration and
// data directory, runs the conformance scenarios against the configured
// backend, and exports scenario tables as JSONL.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledger:", err)
		os.Exit(exitCode(err))
	}
}
