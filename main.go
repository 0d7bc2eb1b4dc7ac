package main

import (
	"os"

	"github.com/forrest-runner/forrest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
