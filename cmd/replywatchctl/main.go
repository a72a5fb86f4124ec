// Command replywatchctl is the operator CLI for a replywatch service.
package main

import (
	"os"

	"github.com/tjfontaine/replywatch/internal/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
