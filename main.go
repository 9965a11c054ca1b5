package main

import (
	"os"

	"github.com/embertool/ember/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
