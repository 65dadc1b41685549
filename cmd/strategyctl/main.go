// Command strategyctl is the operator CLI for the Strategy Execution
// Engine: submit strategy documents, inspect job status, and drive the
// job lifecycle (spec.md §6 job submission boundary).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
