package main

import (
	"os"

	"prediction-trader/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
