package main

import (
	"os"

	"github.com/zuiho-kai/claude-manager/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
