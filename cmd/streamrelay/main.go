package main

import (
	"os"

	"github.com/harun/streamrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
