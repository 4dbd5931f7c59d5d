package main

import (
	"os"

	"github.com/austindbirch/jiva_gateway/cmd/jivactl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
