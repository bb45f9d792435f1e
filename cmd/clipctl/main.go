package main

import (
	"os"

	"github.com/abdul-hamid-achik/skillclips/internal/clipctl/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
