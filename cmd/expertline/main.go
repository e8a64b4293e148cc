package main

import (
	"os"

	"github.com/expertline/expertline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
