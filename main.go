package main

import (
	"os"

	"github.com/flopods/engine/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
