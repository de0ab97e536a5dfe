package main

import (
	"fmt"
	"os"

	"github.com/hupe1980/agentloop/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
