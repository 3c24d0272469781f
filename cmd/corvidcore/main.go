package main

import (
	"fmt"
	"os"

	"github.com/corvidai/corvid-core/cmd/corvidcore/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
