// Package main is the entry point for paqetd, the paqet tunnel session manager.
package main

import (
	"fmt"
	"os"

	"github.com/paqetui/paqetd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
