// Package main provides ndcalc, a command line client for the calculation
// pipeline and its package registry lookups.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(loadBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
