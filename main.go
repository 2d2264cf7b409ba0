package main

import (
	"os"

	"github.com/graphline/graphline/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
