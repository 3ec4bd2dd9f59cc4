// Package main is the entry point for the criticality command.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rogers-f/criticality/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
