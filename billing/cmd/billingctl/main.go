package main

import (
	"os"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
